// Package notify fans order updates out to live subscribers.
//
// Subscribers only see updates published after they subscribed; there is no
// replay. Publishing never blocks: a subscriber whose buffer is full misses
// the update.
package notify

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/order"
)

const (
	DefaultShards = 32
	DefaultBuffer = 64
)

// Update is one notification for an order.
type Update struct {
	OrderID   string       `json:"orderId"`
	Status    order.Status `json:"status"`
	Kind      order.Kind   `json:"kind"`
	Data      any          `json:"data,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Subscription is a live stream for one order id.
type Subscription struct {
	C <-chan Update

	orderID string
	ch      chan Update
	n       *Notifier
	once    sync.Once
}

func (s *Subscription) OrderID() string { return s.orderID }

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.n.remove(s) })
}

type shard struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

type Notifier struct {
	shards []*shard
	buffer int
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func New(shardCount, buffer int, logger *zap.Logger) *Notifier {
	if shardCount <= 0 {
		shardCount = DefaultShards
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		shards: make([]*shard, shardCount),
		buffer: buffer,
		logger: logger.Named("notify"),
	}
	for i := range n.shards {
		n.shards[i] = &shard{subs: make(map[string]map[*Subscription]struct{})}
	}
	return n
}

func (n *Notifier) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return n.shards[h.Sum32()%uint32(len(n.shards))]
}

// Subscribe registers a stream for orderID. On a closed notifier the
// returned subscription's channel is already closed.
func (n *Notifier) Subscribe(orderID string) *Subscription {
	ch := make(chan Update, n.buffer)
	s := &Subscription{C: ch, orderID: orderID, ch: ch, n: n}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		close(ch)
		return s
	}
	sh := n.shardFor(orderID)
	sh.mu.Lock()
	set, ok := sh.subs[orderID]
	if !ok {
		set = make(map[*Subscription]struct{})
		sh.subs[orderID] = set
	}
	set[s] = struct{}{}
	sh.mu.Unlock()
	return s
}

// Publish delivers u to every current subscriber of orderID without
// blocking.
func (n *Notifier) Publish(orderID string, u Update) {
	if u.OrderID == "" {
		u.OrderID = orderID
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	sh := n.shardFor(orderID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	for s := range sh.subs[orderID] {
		select {
		case s.ch <- u:
		default:
			n.logger.Warn("subscriber_buffer_full",
				zap.String("order_id", orderID),
				zap.String("kind", string(u.Kind)))
		}
	}
}

// Subscribers reports how many streams are open for orderID.
func (n *Notifier) Subscribers(orderID string) int {
	sh := n.shardFor(orderID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.subs[orderID])
}

func (n *Notifier) remove(s *Subscription) {
	sh := n.shardFor(s.orderID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.subs[s.orderID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(sh.subs, s.orderID)
	}
	close(s.ch)
}

// Close ends every open subscription.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for _, sh := range n.shards {
		sh.mu.Lock()
		for id, set := range sh.subs {
			for s := range set {
				close(s.ch)
			}
			delete(sh.subs, id)
		}
		sh.mu.Unlock()
	}
}
