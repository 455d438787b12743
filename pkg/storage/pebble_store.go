package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/hyperswap/pkg/order"
)

type PebbleStore struct {
	db *pebble.DB

	// serialises settlement read-modify-write
	stlMu sync.Mutex
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// UpsertOrder writes the snapshot and its creation-time index in one batch.
func (s *PebbleStore) UpsertOrder(ctx context.Context, o *order.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode("order", o)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(orderKey(o.ID), data, nil); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	if err := b.Set(orderTimeKey(o.CreatedAt, o.ID), []byte(o.ID), nil); err != nil {
		return fmt.Errorf("failed to index order: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *PebbleStore) AppendEvent(ctx context.Context, e order.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode("event", e)
	if err != nil {
		return err
	}
	if err := s.db.Set(eventKey(e.OrderID, e.Timestamp, e.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *PebbleStore) InsertSettlementRecord(ctx context.Context, r order.SettlementRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.stlMu.Lock()
	defer s.stlMu.Unlock()

	key := settlementKey(r.OrderID, r.TxHash)
	var existing order.SettlementRecord
	found, err := s.get(key, "settlement record", &existing)
	if err != nil {
		return err
	}
	if found {
		r.CreatedAt = existing.CreatedAt
	}
	data, err := encode("settlement record", r)
	if err != nil {
		return err
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save settlement record: %w", err)
	}
	return nil
}

func (s *PebbleStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var o order.Order
	found, err := s.get(orderKey(id), "order", &o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", order.ErrOrderNotFound, id)
	}
	return &o, nil
}

func (s *PebbleStore) ListEvents(ctx context.Context, orderID string) ([]order.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var events []order.Event
	err := s.scan(eventPrefix(orderID), func(v []byte) error {
		var e order.Event
		if err := decode("event", v, &e); err != nil {
			return err
		}
		events = append(events, e)
		return nil
	})
	return events, err
}

func (s *PebbleStore) ListSettlementRecords(ctx context.Context, orderID string) ([]order.SettlementRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []order.SettlementRecord
	err := s.scan(settlementPrefix(orderID), func(v []byte) error {
		var r order.SettlementRecord
		if err := decode("settlement record", v, &r); err != nil {
			return err
		}
		records = append(records, r)
		return nil
	})
	return records, err
}

func (s *PebbleStore) ListOrders(ctx context.Context, offset, limit int) ([]*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	prefix := []byte(prefixOrderTime)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}

	var ids []string
	skipped := 0
	for iter.Last(); iter.Valid() && len(ids) < limit; iter.Prev() {
		if skipped < offset {
			skipped++
			continue
		}
		ids = append(ids, string(iter.Value()))
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	orders := make([]*order.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *PebbleStore) CountOrders(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := s.scan([]byte(prefixOrderTime), func([]byte) error {
		n++
		return nil
	})
	return n, err
}

func (s *PebbleStore) get(key []byte, kind string, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", kind, err)
	}
	defer closer.Close()
	if err := decode(kind, data, v); err != nil {
		return false, err
	}
	return true, nil
}

// scan visits every value under prefix in key order.
func (s *PebbleStore) scan(prefix []byte, fn func(v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			iter.Close()
			return err
		}
	}
	return iter.Close()
}
