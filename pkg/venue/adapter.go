// Package venue defines the quote/execute capability every trading venue
// exposes, and the router that picks between them.
package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ID names a venue. Registration order of adapters is their tie-break
// priority.
type ID string

const (
	Raydium ID = "raydium"
	Meteora ID = "meteora"
)

// Known lists every venue this build can construct, in default priority order.
var Known = []ID{Raydium, Meteora}

// ParseID validates a configured venue name.
func ParseID(s string) (ID, error) {
	for _, id := range Known {
		if string(id) == s {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown venue %q", s)
}

// Quote is a venue's momentary offer for buying Amount of Pair.
type Quote struct {
	Venue    ID              `json:"venue"`
	Pair     string          `json:"pair"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"` // fraction, 0.003 = 0.3%
	QuotedAt time.Time       `json:"quotedAt"`
}

var one = decimal.NewFromInt(1)

// EffectivePrice is the fee-adjusted cost per unit for a buy: price*(1+fee).
func (q Quote) EffectivePrice() decimal.Decimal {
	return q.Price.Mul(one.Add(q.Fee))
}

// AmountOut is what the order's input buys at the effective price.
func (q Quote) AmountOut() decimal.Decimal {
	eff := q.EffectivePrice()
	if !eff.IsPositive() {
		return decimal.Zero
	}
	return q.Amount.DivRound(eff, 12)
}

// Handle identifies a submitted execution on-chain (a transaction id).
type Handle string

// Adapter is the fixed capability every venue implements.
type Adapter interface {
	ID() ID
	Quote(ctx context.Context, pair string, amount decimal.Decimal) (Quote, error)
	Execute(ctx context.Context, q Quote) (Handle, error)
}
