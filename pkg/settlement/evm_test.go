package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const txHex = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"

type fakeReceipts struct {
	mu       sync.Mutex
	misses   int // NotFound responses before the receipt appears
	calls    int
	receipt  *types.Receipt
	rpcError error
}

func (f *fakeReceipts) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if h != common.HexToHash(txHex) {
		return nil, ethereum.NotFound
	}
	if f.rpcError != nil {
		return nil, f.rpcError
	}
	if f.calls <= f.misses || f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func TestEVMChainWaitIncluded(t *testing.T) {
	client := &fakeReceipts{
		misses:  2,
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(7), GasUsed: 21000},
	}
	chain := NewEVMChain(client, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := chain.WaitIncluded(ctx, txHex)
	if err != nil {
		t.Fatal(err)
	}
	if r.Block != 7 || !errors.Is(r.Err, ErrExecutionReverted) {
		t.Fatalf("receipt = %+v", r)
	}
	if Classify(r, PathWait).Verdict != VerdictReverted {
		t.Fatal("failed receipt status must classify as reverted")
	}
}

func TestEVMChainLookup(t *testing.T) {
	ok := &fakeReceipts{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(3)}}
	chain := NewEVMChain(ok, time.Millisecond)

	r, found, err := chain.Lookup(context.Background(), txHex)
	if err != nil || !found || r.Err != nil {
		t.Fatalf("r=%+v found=%v err=%v", r, found, err)
	}

	missing := NewEVMChain(&fakeReceipts{}, time.Millisecond)
	if _, found, err := missing.Lookup(context.Background(), txHex); found || err != nil {
		t.Fatalf("found=%v err=%v", found, err)
	}

	broken := NewEVMChain(&fakeReceipts{rpcError: errors.New("429 too many requests")}, time.Millisecond)
	if _, _, err := broken.Lookup(context.Background(), txHex); err == nil {
		t.Fatal("expected rpc error")
	}

	if _, _, err := chain.Lookup(context.Background(), "tx_abc"); err == nil {
		t.Fatal("expected error for non-hash handle")
	}
}
