package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/hyperswap/pkg/order"
)

// MemoryStore keeps the ledger in process memory. Values are copied in and
// out, so callers never share state with the store.
type MemoryStore struct {
	mu          sync.Mutex
	orders      map[string]*order.Order
	events      map[string]map[string]order.Event // order id → event id → event
	settlements map[string]map[string]order.SettlementRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*order.Order),
		events:      make(map[string]map[string]order.Event),
		settlements: make(map[string]map[string]order.SettlementRecord),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) UpsertOrder(ctx context.Context, o *order.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, e order.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.events[e.OrderID]
	if !ok {
		m = make(map[string]order.Event)
		s.events[e.OrderID] = m
	}
	m[e.ID] = e
	return nil
}

func (s *MemoryStore) InsertSettlementRecord(ctx context.Context, r order.SettlementRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.settlements[r.OrderID]
	if !ok {
		m = make(map[string]order.SettlementRecord)
		s.settlements[r.OrderID] = m
	}
	if existing, ok := m[r.TxHash]; ok {
		r.CreatedAt = existing.CreatedAt
	}
	m[r.TxHash] = r
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", order.ErrOrderNotFound, id)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, orderID string) ([]order.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]order.Event, 0, len(s.events[orderID]))
	for _, e := range s.events[orderID] {
		out = append(out, e)
	}
	// same order as the pebble key: timestamp, then event id
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListSettlementRecords(ctx context.Context, orderID string) ([]order.SettlementRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]order.SettlementRecord, 0, len(s.settlements[orderID]))
	for _, r := range s.settlements[orderID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxHash < out[j].TxHash })
	return out, nil
}

func (s *MemoryStore) ListOrders(ctx context.Context, offset, limit int) ([]*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) || limit <= 0 {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]*order.Order, 0, end-offset)
	for _, o := range all[offset:end] {
		out = append(out, o.Clone())
	}
	return out, nil
}

func (s *MemoryStore) CountOrders(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders), nil
}
