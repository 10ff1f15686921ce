package admin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/maxpert/burrow/broker"
	"github.com/maxpert/burrow/compactor"
	"github.com/maxpert/burrow/store"
	"github.com/rs/zerolog/log"
)

// Broker is the read side of the broker served by the admin endpoints
type Broker interface {
	Subscriptions() []broker.SubscriptionStats
	SubscriptionStats(key store.SubscriptionKey) (broker.SubscriptionStats, error)
	Destinations() []broker.DestinationStats
	DestinationStats(name string) (broker.DestinationStats, bool)
	ReadFrom(ctx context.Context, destination string, after uint64, limit int) ([]*store.Message, error)
}

// Compactor runs compaction rounds on demand
type Compactor interface {
	RunOnce(ctx context.Context) (*store.CompactResult, error)
	Last() compactor.Result
}

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	broker    Broker
	compactor Compactor
}

// NewAdminHandlers creates a new AdminHandlers instance. compactor may be nil.
func NewAdminHandlers(b Broker, c Compactor) *AdminHandlers {
	return &AdminHandlers{
		broker:    b,
		compactor: c,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseAfter parses the after parameter for pagination
func parseAfter(r *http.Request) (uint64, error) {
	afterStr := r.URL.Query().Get("after")
	if afterStr == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(afterStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid after parameter: %w", err)
	}
	return after, nil
}

// formatTimestamp converts unix milliseconds to ISO 8601 string
func formatTimestamp(millis int64) string {
	if millis == 0 {
		return ""
	}
	return time.UnixMilli(millis).UTC().Format(time.RFC3339Nano)
}

// encodeBase64 encodes byte slices as base64 strings
func encodeBase64(data []byte) string {
	if data == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}
