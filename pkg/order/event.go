package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags an event with the transition or sub-step that produced it.
type Kind string

const (
	KindOrderCreated   Kind = "OrderCreated"
	KindRoutingStarted Kind = "RoutingStarted"
	KindQuoteFailed    Kind = "QuoteFailed"
	KindVenueChosen    Kind = "VenueChosen"
	KindTxSubmitted    Kind = "TxSubmitted"
	KindSettled        Kind = "Settled"
)

// Payload is the typed body of an event. Every kind has exactly one
// payload type; Failed reports its reason as its kind.
type Payload interface {
	Kind() Kind
}

type OrderCreated struct {
	Pair   string          `json:"pair"`
	Amount decimal.Decimal `json:"amount"`
}

type RoutingStarted struct {
	Venues  []string `json:"venues"`
	Resumed bool     `json:"resumed,omitempty"`
}

// QuoteFailed is informational; it does not change the order status.
type QuoteFailed struct {
	Venue string `json:"venue"`
	Error string `json:"error"`
}

type VenueChosen struct {
	Venue          string                     `json:"venue"`
	BestQuoted     string                     `json:"bestQuoted"`
	Quotes         map[string]decimal.Decimal `json:"quotes"`
	QuotedPrice    decimal.Decimal            `json:"quotedPrice"`
	Fee            decimal.Decimal            `json:"fee"`
	ExecutionPrice decimal.Decimal            `json:"executionPrice"`
	AmountOut      decimal.Decimal            `json:"amountOut"`
	Spread         decimal.Decimal            `json:"spread"`
	SpreadPercent  decimal.Decimal            `json:"spreadPercent"`
}

type TxSubmitted struct {
	Venue          string          `json:"venue"`
	TxHash         string          `json:"txHash"`
	ExecutionPrice decimal.Decimal `json:"executionPrice"`
	Resumed        bool            `json:"resumed,omitempty"`
}

type Settled struct {
	TxHash string `json:"txHash"`
	Block  uint64 `json:"block,omitempty"`
	Path   string `json:"path"`
}

// Failed ends an order. TxHash is set when a transaction exists on-chain.
type Failed struct {
	Reason Reason `json:"reason"`
	Error  string `json:"error"`
	TxHash string `json:"txHash,omitempty"`
}

func (OrderCreated) Kind() Kind   { return KindOrderCreated }
func (RoutingStarted) Kind() Kind { return KindRoutingStarted }
func (QuoteFailed) Kind() Kind    { return KindQuoteFailed }
func (VenueChosen) Kind() Kind    { return KindVenueChosen }
func (TxSubmitted) Kind() Kind    { return KindTxSubmitted }
func (Settled) Kind() Kind        { return KindSettled }
func (f Failed) Kind() Kind       { return Kind(f.Reason) }

// Event is one append-only audit record.
type Event struct {
	ID        string
	OrderID   string
	Status    Status // order status once the event was emitted
	Payload   Payload
	Timestamp time.Time
}

func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

type eventJSON struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	Status    Status          `json:"status"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind(), err)
	}
	return json.Marshal(eventJSON{
		ID:        e.ID,
		OrderID:   e.OrderID,
		Status:    e.Status,
		Kind:      e.Kind(),
		Payload:   body,
		Timestamp: e.Timestamp,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p, err := decodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:        raw.ID,
		OrderID:   raw.OrderID,
		Status:    raw.Status,
		Payload:   p,
		Timestamp: raw.Timestamp,
	}
	return nil
}

func decodePayload(kind Kind, body json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindOrderCreated:
		p = &OrderCreated{}
	case KindRoutingStarted:
		p = &RoutingStarted{}
	case KindQuoteFailed:
		p = &QuoteFailed{}
	case KindVenueChosen:
		p = &VenueChosen{}
	case KindTxSubmitted:
		p = &TxSubmitted{}
	case KindSettled:
		p = &Settled{}
	default:
		if !isFailureKind(kind) {
			return nil, fmt.Errorf("unknown event kind %q", kind)
		}
		var f Failed
		if err := json.Unmarshal(body, &f); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return f, nil
	}
	if err := json.Unmarshal(body, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return deref(p), nil
}

// deref stores payloads by value so callers can type-switch on the plain type.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *OrderCreated:
		return *v
	case *RoutingStarted:
		return *v
	case *QuoteFailed:
		return *v
	case *VenueChosen:
		return *v
	case *TxSubmitted:
		return *v
	case *Settled:
		return *v
	}
	return p
}

func isFailureKind(k Kind) bool {
	for _, r := range reasons {
		if Kind(r) == k {
			return true
		}
	}
	return false
}

// IsFailure reports whether the event is a terminal failure.
func (e Event) IsFailure() bool {
	_, ok := e.Payload.(Failed)
	return ok
}
