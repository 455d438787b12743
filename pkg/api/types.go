package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperswap/pkg/order"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders/execute.
// Pair defaults to a random devnet market and Amount to 1000.
type SubmitOrderRequest struct {
	Pair   string           `json:"pair"`   // e.g. "SOL/USDC"
	Amount *decimal.Decimal `json:"amount"` // input amount, must be positive
}

// SubmitOrderResponse is returned once the order is accepted and queued
type SubmitOrderResponse struct {
	OrderID      string          `json:"orderId"`
	Pair         string          `json:"pair"`
	Amount       decimal.Decimal `json:"amount"`
	Status       order.Status    `json:"status"`
	WebsocketURL string          `json:"websocketUrl"` // live updates for this order
	Message      string          `json:"message"`
}

// EventsResponse lists an order's audit trail, oldest first
type EventsResponse struct {
	OrderID string        `json:"orderId"`
	Events  []order.Event `json:"events"`
}

// HealthResponse reports process liveness and wiring
type HealthResponse struct {
	Status     string   `json:"status"`
	Venues     []string `json:"venues"`
	Executable []string `json:"executable"`
	Ledger     string   `json:"ledger"`
	Queue      string   `json:"queue"`
	Chain      string   `json:"chain"`
	WSClients  int      `json:"wsClients"`
	Timestamp  int64    `json:"timestamp"` // Unix milliseconds
}

// Endpoint describes one route on the index page
type Endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

type IndexResponse struct {
	Service   string     `json:"service"`
	Endpoints []Endpoint `json:"endpoints"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

const (
	WSTypeConnected = "connected"
	WSTypeUpdate    = "update"
	WSTypeError     = "error"
)

// WSMessage is every frame the server sends on /ws
type WSMessage struct {
	Type    string      `json:"type"`
	OrderID string      `json:"orderId,omitempty"`
	Data    interface{} `json:"data,omitempty"` // notify.Update for updates, order snapshot on connect
	Message string      `json:"message,omitempty"`
}
