package order

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var pairPattern = regexp.MustCompile(`^[A-Z0-9]{1,16}/[A-Z0-9]{1,16}$`)

// Order is the persisted snapshot of one market-buy execution.
type Order struct {
	ID     string          `json:"id"`
	Pair   string          `json:"pair"`
	Amount decimal.Decimal `json:"amount"`
	Status Status          `json:"status"`

	// Set once routed.
	Quotes         map[string]decimal.Decimal `json:"quotes,omitempty"`
	ChosenVenue    string                     `json:"chosenVenue,omitempty"`
	ExecutionPrice decimal.NullDecimal        `json:"executionPrice"`

	// Set once submitted.
	TxHash string `json:"txHash,omitempty"`

	FailureReason Reason    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NormalizePair upper-cases and trims a pair such as "sol/usdc".
func NormalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}

// Validate checks an order intent. It expects a normalized pair.
func Validate(pair string, amount decimal.Decimal) error {
	if pair == "" {
		return &ValidationError{Field: "pair", Reason: "required"}
	}
	if !pairPattern.MatchString(pair) {
		return &ValidationError{Field: "pair", Reason: fmt.Sprintf("%q is not BASE/QUOTE", pair)}
	}
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return nil
}

// New returns a pending order.
func New(id, pair string, amount decimal.Decimal, now time.Time) *Order {
	return &Order{
		ID:        id,
		Pair:      pair,
		Amount:    amount,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Advance moves the order to status to.
//
// It returns changed=false without error when to is behind the current
// status: a redelivered job re-runs earlier steps but must not record a
// backwards transition. Terminal orders reject everything with ErrTerminal.
func (o *Order) Advance(to Status, now time.Time) (changed bool, err error) {
	if o.Status.IsTerminal() {
		return false, fmt.Errorf("%w: %s -> %s", ErrTerminal, o.Status, to)
	}
	if to != StatusFailed && to.Rank() < o.Status.Rank() {
		return false, nil
	}
	if !CanTransition(o.Status, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now
	return true, nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (o *Order) Clone() *Order {
	cp := *o
	if o.Quotes != nil {
		cp.Quotes = make(map[string]decimal.Decimal, len(o.Quotes))
		for k, v := range o.Quotes {
			cp.Quotes[k] = v
		}
	}
	return &cp
}
