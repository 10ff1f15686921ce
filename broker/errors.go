package broker

import (
	"errors"
	"fmt"

	"github.com/maxpert/burrow/store"
)

var (
	ErrClosed         = errors.New("broker is closed")
	ErrDuplicate      = errors.New("duplicate producer sequence")
	ErrTxnDone        = errors.New("transaction already committed or rolled back")
	ErrConsumerClosed = errors.New("consumer is closed")
)

// NotFoundError reports an operation on an unknown durable subscription
type NotFoundError struct {
	Key store.SubscriptionKey
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("durable subscription %s not found", e.Key)
}

// InvalidStateError reports an operation not allowed in the subscription's current state
type InvalidStateError struct {
	Key   store.SubscriptionKey
	State State
	Op    string
	Seq   uint64 // set for acknowledgements
}

func (e *InvalidStateError) Error() string {
	if e.Seq != 0 {
		return fmt.Sprintf("cannot %s seq %d on subscription %s: not an outstanding delivery (state %s)", e.Op, e.Seq, e.Key, e.State)
	}
	return fmt.Sprintf("cannot %s subscription %s in state %s", e.Op, e.Key, e.State)
}

// InvalidNameError reports an empty identifier or one containing a NUL byte
type InvalidNameError struct {
	Field string
	Value string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}
