// Package settlement determines whether a submitted execution actually
// settled: included without revert, included but reverted, or unknown.
package settlement

import "context"

// Receipt is what the chain reports for an included transaction.
type Receipt struct {
	Handle string
	Block  uint64
	// Err is the execution error carried by the receipt; nil when the
	// transaction took effect.
	Err error
}

// Chain is the read side of a settlement ledger.
type Chain interface {
	// WaitIncluded blocks until handle is included or ctx ends.
	WaitIncluded(ctx context.Context, handle string) (Receipt, error)
	// Lookup fetches the receipt directly; found is false if the chain has
	// no record of handle.
	Lookup(ctx context.Context, handle string) (r Receipt, found bool, err error)
}
