package settlement

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrSimulatedRevert is the execution error MemChain attaches to reverted
// transactions.
var ErrSimulatedRevert = errors.New("simulated revert: slippage tolerance exceeded")

type MemChainConfig struct {
	InclusionDelay time.Duration
	RevertRate     float64 // probability in [0,1]
	Seed           int64
}

// MemChain is an in-process settlement ledger used on devnet and in tests.
// Broadcast transactions are included after InclusionDelay.
type MemChain struct {
	cfg MemChainConfig

	mu       sync.Mutex
	rng      *rand.Rand
	block    uint64
	receipts map[string]Receipt
	waiters  map[string][]chan Receipt
}

func NewMemChain(cfg MemChainConfig) *MemChain {
	return &MemChain{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		receipts: make(map[string]Receipt),
		waiters:  make(map[string][]chan Receipt),
	}
}

// Broadcast schedules handle for inclusion.
func (c *MemChain) Broadcast(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	var execErr error
	if c.cfg.RevertRate > 0 && c.rng.Float64() < c.cfg.RevertRate {
		execErr = ErrSimulatedRevert
	}
	c.mu.Unlock()

	if c.cfg.InclusionDelay <= 0 {
		c.Include(handle, execErr)
		return nil
	}
	time.AfterFunc(c.cfg.InclusionDelay, func() { c.Include(handle, execErr) })
	return nil
}

// Include records handle in the next block and wakes its waiters.
func (c *MemChain) Include(handle string, execErr error) Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[handle]; ok {
		return r
	}
	c.block++
	r := Receipt{Handle: handle, Block: c.block, Err: execErr}
	c.receipts[handle] = r
	for _, ch := range c.waiters[handle] {
		ch <- r
	}
	delete(c.waiters, handle)
	return r
}

func (c *MemChain) WaitIncluded(ctx context.Context, handle string) (Receipt, error) {
	c.mu.Lock()
	if r, ok := c.receipts[handle]; ok {
		c.mu.Unlock()
		return r, nil
	}
	ch := make(chan Receipt, 1)
	c.waiters[handle] = append(c.waiters[handle], ch)
	c.mu.Unlock()

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		c.dropWaiter(handle, ch)
		return Receipt{}, ctx.Err()
	}
}

func (c *MemChain) Lookup(ctx context.Context, handle string) (Receipt, bool, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[handle]
	return r, ok, nil
}

func (c *MemChain) dropWaiter(handle string, ch chan Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[handle]
	for i, w := range ws {
		if w == ch {
			c.waiters[handle] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(c.waiters[handle]) == 0 {
		delete(c.waiters, handle)
	}
}
