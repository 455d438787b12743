package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const DefaultPollInterval = time.Second

// ErrExecutionReverted is attached to receipts whose status is failed.
var ErrExecutionReverted = errors.New("execution reverted")

// receiptClient is the subset of ethclient.Client the chain reader needs.
type receiptClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EVMChain reads settlement receipts from an EVM JSON-RPC endpoint.
type EVMChain struct {
	client       receiptClient
	pollInterval time.Duration
	close        func()
}

var _ Chain = (*EVMChain)(nil)

// DialEVM connects to rpcURL.
func DialEVM(ctx context.Context, rpcURL string, pollInterval time.Duration) (*EVMChain, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	c := NewEVMChain(client, pollInterval)
	c.close = client.Close
	return c, nil
}

func NewEVMChain(client receiptClient, pollInterval time.Duration) *EVMChain {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &EVMChain{client: client, pollInterval: pollInterval}
}

func (c *EVMChain) Close() {
	if c.close != nil {
		c.close()
	}
}

// WaitIncluded polls for the receipt until it appears or ctx ends.
// Transient RPC errors are retried on the next tick.
func (c *EVMChain) WaitIncluded(ctx context.Context, handle string) (Receipt, error) {
	hash, err := parseHash(handle)
	if err != nil {
		return Receipt{}, err
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		r, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return toReceipt(handle, r), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return Receipt{}, fmt.Errorf("%w (last rpc error: %v)", ctx.Err(), lastErr)
			}
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EVMChain) Lookup(ctx context.Context, handle string) (Receipt, bool, error) {
	hash, err := parseHash(handle)
	if err != nil {
		return Receipt{}, false, err
	}
	r, err := c.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, fmt.Errorf("receipt %s: %w", handle, err)
	}
	return toReceipt(handle, r), true, nil
}

func parseHash(handle string) (common.Hash, error) {
	if !strings.HasPrefix(handle, "0x") || len(handle) != 66 {
		return common.Hash{}, fmt.Errorf("handle %q is not a transaction hash", handle)
	}
	b := common.FromHex(handle)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("handle %q is not a transaction hash", handle)
	}
	return common.BytesToHash(b), nil
}

func toReceipt(handle string, r *types.Receipt) Receipt {
	out := Receipt{Handle: handle}
	if r.BlockNumber != nil {
		out.Block = r.BlockNumber.Uint64()
	}
	if r.Status == types.ReceiptStatusFailed {
		out.Err = fmt.Errorf("%w (gas used %d)", ErrExecutionReverted, r.GasUsed)
	}
	return out
}
