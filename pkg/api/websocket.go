package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/notify"
	"github.com/uhyunpark/hyperswap/pkg/order"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Hub tracks live order streams so they can be counted and torn down on
// shutdown.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	stopped bool
	logger  *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws_connected", zap.String("client", c.id), zap.String("order_id", c.sub.OrderID()), zap.Int("total", len(h.clients)))
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.logger.Debug("ws_disconnected", zap.String("client", c.id), zap.Int("total", len(h.clients)))
	}
}

// Count returns the number of open streams.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stop closes every open stream and refuses new ones.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	for c := range h.clients {
		c.stop()
	}
}

// Client is one WebSocket connection following one order
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	sub  *notify.Subscription
	id   string

	done     chan struct{}
	stopOnce sync.Once
}

func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// readPump only services control frames; client payloads are ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.sub.Close()
		c.stop()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("ws_read_error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards order updates until the order reaches a terminal
// status, the subscription ends or the hub stops.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		c.conn.Close()
	}()

	for {
		select {
		case u, ok := <-c.sub.C:
			if !ok {
				c.closeNormal("stream closed")
				return
			}
			if err := c.writeJSON(WSMessage{Type: WSTypeUpdate, OrderID: u.OrderID, Data: u}); err != nil {
				return
			}
			if u.Status.IsTerminal() {
				c.closeNormal(string(u.Status))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.closeNormal("server shutting down")
			return
		}
	}
}

func (c *Client) writeJSON(msg WSMessage) error {
	return writeFrame(c.conn, msg)
}

func (c *Client) closeNormal(reason string) {
	closeConn(c.conn, websocket.CloseNormalClosure, reason)
}

func writeFrame(conn *websocket.Conn, msg WSMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// rejectStream sends a single error frame and closes the connection.
func rejectStream(conn *websocket.Conn, orderID, message string) {
	writeFrame(conn, WSMessage{Type: WSTypeError, OrderID: orderID, Message: message})
	closeConn(conn, websocket.ClosePolicyViolation, message)
	conn.Close()
}

// handleWebSocket upgrades /ws?orderId=<id> into a live stream for that
// order. The first frame carries the current snapshot; a stream for an
// order that is already terminal closes right after it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}

	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		rejectStream(conn, "", "orderId query parameter is required")
		return
	}

	// Subscribe before reading the snapshot so no transition falls between.
	sub := s.app.Subscribe(orderID)
	view, err := s.app.GetOrder(r.Context(), orderID)
	if err != nil {
		sub.Close()
		msg := "internal error"
		if errors.Is(err, order.ErrOrderNotFound) {
			msg = "order not found"
		} else {
			s.logger.Error("ws_snapshot_failed", zap.String("order_id", orderID), zap.Error(err))
		}
		rejectStream(conn, orderID, msg)
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		sub:  sub,
		id:   conn.RemoteAddr().String(),
		done: make(chan struct{}),
	}

	if err := client.writeJSON(WSMessage{Type: WSTypeConnected, OrderID: orderID, Data: view.Order}); err != nil {
		sub.Close()
		conn.Close()
		return
	}
	if view.Order.Status.IsTerminal() {
		sub.Close()
		client.closeNormal(string(view.Order.Status))
		conn.Close()
		return
	}
	if !s.hub.register(client) {
		sub.Close()
		client.closeNormal("server shutting down")
		conn.Close()
		return
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
