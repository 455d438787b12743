package order

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNoQuotesAvailable   = errors.New("no quotes available")
	ErrSubmissionFailed    = errors.New("venue rejected execution")
	ErrConfirmationTimeout = errors.New("confirmation wait timed out")
	ErrUnresolvable        = errors.New("on-chain existence unknown")
	ErrOnChainRevert       = errors.New("transaction reverted")
	ErrQueueExhausted      = errors.New("job attempts exhausted")
	ErrCancelled           = errors.New("execution cancelled")
	ErrVenueNotAuthorized  = errors.New("no quoted venue is authorized to execute")

	ErrTerminal          = errors.New("order is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOrderNotFound     = errors.New("order not found")
)

// ValidationError rejects an order intent before it is ever queued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// QuoteError is a single venue's quote failure. The router logs and drops
// it; it never fails an order on its own.
type QuoteError struct {
	Venue string
	Err   error
}

func (e *QuoteError) Error() string { return fmt.Sprintf("quote from %s: %v", e.Venue, e.Err) }
func (e *QuoteError) Unwrap() error { return e.Err }

// Reason is the stable code recorded on a failure event. It doubles as the
// event kind of the terminal Failed event.
type Reason string

const (
	ReasonNoQuotesAvailable  Reason = "NoQuotesAvailable"
	ReasonSubmissionFailed   Reason = "AdapterSubmissionFailure"
	ReasonOnChainRevert      Reason = "OnChainRevert"
	ReasonUnresolvable       Reason = "Unresolvable"
	ReasonQueueExhausted     Reason = "QueueExhausted"
	ReasonCancelled          Reason = "Cancelled"
	ReasonVenueNotAuthorized Reason = "VenueNotAuthorized"
	ReasonInternal           Reason = "InternalError"
)

var reasons = []Reason{
	ReasonNoQuotesAvailable,
	ReasonSubmissionFailed,
	ReasonOnChainRevert,
	ReasonUnresolvable,
	ReasonQueueExhausted,
	ReasonCancelled,
	ReasonVenueNotAuthorized,
	ReasonInternal,
}

// ReasonOf maps an error to its failure reason. Domain sentinels win over
// context errors so a timed-out submission stays a submission failure.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return ReasonCancelled
	case errors.Is(err, ErrNoQuotesAvailable):
		return ReasonNoQuotesAvailable
	case errors.Is(err, ErrSubmissionFailed):
		return ReasonSubmissionFailed
	case errors.Is(err, ErrOnChainRevert):
		return ReasonOnChainRevert
	case errors.Is(err, ErrUnresolvable):
		return ReasonUnresolvable
	case errors.Is(err, ErrQueueExhausted):
		return ReasonQueueExhausted
	case errors.Is(err, ErrVenueNotAuthorized):
		return ReasonVenueNotAuthorized
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	default:
		return ReasonInternal
	}
}
