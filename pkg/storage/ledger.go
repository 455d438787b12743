// Package storage persists order snapshots, their event history, and
// settlement records.
package storage

import (
	"context"

	"github.com/uhyunpark/hyperswap/pkg/order"
)

// Ledger is the durable record of every order. All writes are idempotent:
// snapshots are keyed by order id, events by (order id, timestamp, event
// id) and settlement records by (order id, tx hash).
type Ledger interface {
	UpsertOrder(ctx context.Context, o *order.Order) error
	AppendEvent(ctx context.Context, e order.Event) error
	// InsertSettlementRecord creates the record for (OrderID, TxHash) or
	// updates its status, keeping the original CreatedAt.
	InsertSettlementRecord(ctx context.Context, r order.SettlementRecord) error

	// GetOrder returns order.ErrOrderNotFound for unknown ids.
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	// ListEvents returns events in ascending timestamp order.
	ListEvents(ctx context.Context, orderID string) ([]order.Event, error)
	ListSettlementRecords(ctx context.Context, orderID string) ([]order.SettlementRecord, error)
	// ListOrders pages through orders newest first.
	ListOrders(ctx context.Context, offset, limit int) ([]*order.Order, error)
	CountOrders(ctx context.Context) (int, error)

	Close() error
}

var (
	_ Ledger = (*PebbleStore)(nil)
	_ Ledger = (*MemoryStore)(nil)
)
