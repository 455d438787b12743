package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/app/swap"
	"github.com/uhyunpark/hyperswap/pkg/order"
)

const maxBodyBytes = 1 << 20

var defaultAmount = decimal.NewFromInt(1000)

// Server handles REST API and WebSocket connections
type Server struct {
	app      *swap.App
	router   *mux.Router
	hub      *Hub
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	http     *http.Server
}

// NewServer creates a new API server. gatherer backs /metrics; nil uses
// the default registry.
func NewServer(app *swap.App, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		app:      app,
		router:   mux.NewRouter(),
		gatherer: gatherer,
		logger:   logger.Named("api"),
	}
	s.hub = NewHub(s.logger)
	s.setupRoutes()
	return s
}

var endpoints = []Endpoint{
	{"POST", "/api/v1/orders/execute", "submit a market order {pair, amount}"},
	{"GET", "/api/v1/orders", "list orders, newest first (?page=&limit=)"},
	{"GET", "/api/v1/orders/{id}", "order snapshot with events and settlement records"},
	{"GET", "/api/v1/orders/{id}/events", "order event history"},
	{"GET", "/ws?orderId={id}", "live order updates"},
	{"GET", "/health", "liveness"},
	{"GET", "/metrics", "prometheus metrics"},
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders/execute", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/events", s.handleGetEvents).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.app.Config().API.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server_starting", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes live streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Pair == "" {
		req.Pair = swap.DefaultPairs[rand.Intn(len(swap.DefaultPairs))]
	}
	amount := defaultAmount
	if req.Amount != nil {
		amount = *req.Amount
	}

	o, err := s.app.SubmitOrder(r.Context(), req.Pair, amount)
	if err != nil {
		s.respondAppError(w, err)
		return
	}

	respondJSONStatus(w, http.StatusAccepted, SubmitOrderResponse{
		OrderID:      o.ID,
		Pair:         o.Pair,
		Amount:       o.Amount,
		Status:       o.Status,
		WebsocketURL: fmt.Sprintf("ws://%s/ws?orderId=%s", r.Host, o.ID),
		Message:      "order accepted and queued",
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := s.app.GetOrder(r.Context(), id)
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, view)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, err := s.app.Events(r.Context(), id)
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	if events == nil {
		events = []order.Event{}
	}
	respondJSON(w, EventsResponse{OrderID: id, Events: events})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid page", err.Error())
		return
	}
	limit, err := queryInt(r, "limit", swap.DefaultPageLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	result, err := s.app.ListOrders(r.Context(), page, limit)
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.app.Config()
	respondJSON(w, HealthResponse{
		Status:     "ok",
		Venues:     s.app.Venues(),
		Executable: cfg.Venues.Executable,
		Ledger:     cfg.Storage.Backend,
		Queue:      cfg.Queue.Backend,
		Chain:      cfg.Chain.Backend,
		WSClients:  s.hub.Count(),
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, IndexResponse{Service: "hyperswap order executor", Endpoints: endpoints})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) respondAppError(w http.ResponseWriter, err error) {
	var ve *order.ValidationError
	switch {
	case errors.As(err, &ve):
		respondError(w, http.StatusBadRequest, "invalid order", ve.Error())
	case errors.Is(err, order.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "order not found", err.Error())
	default:
		s.logger.Error("request_failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSONStatus(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
