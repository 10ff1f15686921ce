package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/maxpert/burrow/broker"
	"github.com/maxpert/burrow/store"
)

// messageView is the JSON form of a retained message
type messageView struct {
	Seq         uint64                 `json:"seq"`
	ProducerID  string                 `json:"producer_id,omitempty"`
	ProducerSeq uint64                 `json:"producer_seq,omitempty"`
	Priority    uint8                  `json:"priority"`
	Timestamp   string                 `json:"timestamp,omitempty"`
	Origin      string                 `json:"origin,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
	Payload     string                 `json:"payload,omitempty"`
}

func newMessageView(m *store.Message) messageView {
	v := messageView{
		Seq:         m.Seq,
		ProducerID:  m.ProducerID,
		ProducerSeq: m.ProducerSeq,
		Priority:    m.Priority,
		Timestamp:   formatTimestamp(m.Timestamp),
		Origin:      m.Origin,
		Payload:     encodeBase64(m.Payload),
	}
	if len(m.Properties) > 0 {
		v.Properties = make(map[string]interface{}, len(m.Properties))
		for k, p := range m.Properties {
			v.Properties[k] = p.Interface()
		}
	}
	return v
}

// handleHealth reports liveness and a short summary
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"healthy":       true,
		"destinations":  len(h.broker.Destinations()),
		"subscriptions": len(h.broker.Subscriptions()),
	}
	writeJSONResponse(w, response, false, "")
}

// handleListSubscriptions returns stats of every durable subscription
func (h *AdminHandlers) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := h.broker.Subscriptions()
	if subs == nil {
		subs = []broker.SubscriptionStats{}
	}

	if dest := r.URL.Query().Get("destination"); dest != "" {
		filtered := subs[:0]
		for _, s := range subs {
			if s.Destination == dest {
				filtered = append(filtered, s)
			}
		}
		subs = filtered
	}

	writeJSONResponse(w, subs, false, "")
}

// handleSubscription returns stats of one durable subscription
func (h *AdminHandlers) handleSubscription(w http.ResponseWriter, r *http.Request, key store.SubscriptionKey) {
	stats, err := h.broker.SubscriptionStats(key)
	var nf *broker.NotFoundError
	if errors.As(err, &nf) {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, stats, false, "")
}

// handleListDestinations returns stats of every destination
func (h *AdminHandlers) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	dests := h.broker.Destinations()
	if dests == nil {
		dests = []broker.DestinationStats{}
	}
	writeJSONResponse(w, dests, false, "")
}

// handleDestination returns stats of one destination
func (h *AdminHandlers) handleDestination(w http.ResponseWriter, r *http.Request, destination string) {
	stats, ok := h.broker.DestinationStats(destination)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "destination '"+destination+"' not found")
		return
	}
	writeJSONResponse(w, stats, false, "")
}

// handleMessages pages through retained messages of a destination
func (h *AdminHandlers) handleMessages(w http.ResponseWriter, r *http.Request, destination string) {
	if _, ok := h.broker.DestinationStats(destination); !ok {
		writeErrorResponse(w, http.StatusNotFound, "destination '"+destination+"' not found")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	after, err := parseAfter(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	// one extra row tells whether another page exists
	msgs, err := h.broker.ReadFrom(r.Context(), destination, after, limit+1)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, newMessageView(m))
	}

	lastKey := ""
	if hasMore {
		lastKey = strconv.FormatUint(msgs[len(msgs)-1].Seq, 10)
	}
	writeJSONResponse(w, views, hasMore, lastKey)
}

// handleLastCompaction returns the most recent compaction round
func (h *AdminHandlers) handleLastCompaction(w http.ResponseWriter, r *http.Request) {
	if h.compactor == nil {
		writeErrorResponse(w, http.StatusNotFound, "compactor is not running")
		return
	}
	writeJSONResponse(w, h.compactor.Last(), false, "")
}

// handleCompact runs a compaction round and waits for it
func (h *AdminHandlers) handleCompact(w http.ResponseWriter, r *http.Request) {
	if h.compactor == nil {
		writeErrorResponse(w, http.StatusNotFound, "compactor is not running")
		return
	}
	res, err := h.compactor.RunOnce(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"segments_removed": res.SegmentsRemoved,
		"slots_reclaimed":  res.SlotsReclaimed,
		"messages_removed": res.MessagesRemoved,
	}, false, "")
}
