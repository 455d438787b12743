package order

import (
	"time"

	"github.com/shopspring/decimal"
)

type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementConfirmed  SettlementStatus = "confirmed"
	SettlementReverted   SettlementStatus = "reverted"
	SettlementUnresolved SettlementStatus = "unresolved"
)

// SettlementRecord is written for every execution that reached submission,
// keyed by (OrderID, TxHash). A reverted transaction keeps its record.
type SettlementRecord struct {
	OrderID        string           `json:"orderId"`
	Venue          string           `json:"venue"`
	ExecutionPrice decimal.Decimal  `json:"executionPrice"`
	TxHash         string           `json:"txHash"`
	Status         SettlementStatus `json:"status"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}
