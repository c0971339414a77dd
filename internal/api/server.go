package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"grid-engine/internal/core"
	"grid-engine/internal/store"
)

// Source is the read side of the grid engine.
type Source interface {
	Symbol() string
	Status() core.Snapshot
	Events(after uint64) []core.Event
}

// RuntimeLoader returns the last persisted runtime status, if any.
type RuntimeLoader interface {
	LoadRuntimeStatus() (store.RuntimeStatus, bool, error)
}

// History is the durable event journal, read when the engine no longer
// holds the requested events in memory.
type History interface {
	Events(after uint64) ([]core.Event, error)
}

type Options struct {
	AllowedOrigins []string
	Runtime        RuntimeLoader
	History        History
	Logger         *zap.Logger
	// PollInterval is how often a websocket subscriber is checked for new events.
	PollInterval time.Duration
}

// Server is the read-only status API.
type Server struct {
	src      Source
	runtime  RuntimeLoader
	history  History
	router   *mux.Router
	handler  http.Handler
	logger   *zap.Logger
	poll     time.Duration
	upgrader websocket.Upgrader
}

func NewServer(src Source, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	s := &Server{
		src:     src,
		runtime: opts.Runtime,
		history: opts.History,
		router:  mux.NewRouter(),
		logger:  logger.Named("api"),
		poll:    poll,
	}
	s.setupRoutes()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.upgrader = newUpgrader(origins)
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	s.handler = c.Handler(s.router)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/orders", s.handleOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", s.handleOrder).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/runtime", s.handleRuntime).Methods(http.MethodGet)

	s.router.HandleFunc("/ws/events", s.handleEventStream)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler { return s.handler }

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type StatusResponse struct {
	Symbol    string    `json:"symbol"`
	Step      string    `json:"step"`
	Position  string    `json:"position"`
	Pending   int       `json:"pending"`
	Filled    int       `json:"filled"`
	Cancelled int       `json:"cancelled"`
	LastSeq   uint64    `json:"last_seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.src.Status()
	resp := StatusResponse{
		Symbol:    snap.Symbol,
		Step:      snap.Step.String(),
		Position:  snap.Position.String(),
		LastSeq:   snap.LastSeq,
		UpdatedAt: snap.UpdatedAt,
	}
	for _, o := range snap.Orders {
		switch o.Status {
		case core.OrderPending:
			resp.Pending++
		case core.OrderFilled:
			resp.Filled++
		case core.OrderCancelled:
			resp.Cancelled++
		}
	}
	respondJSON(w, resp)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.src.Status().Orders
	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	if raw == "" {
		respondJSON(w, orders)
		return
	}
	want := core.OrderStatus(strings.ToUpper(raw))
	switch want {
	case core.OrderPending, core.OrderFilled, core.OrderCancelled:
	default:
		respondError(w, http.StatusBadRequest, "invalid status", "status must be pending, filled or cancelled")
		return
	}
	out := make([]core.Order, 0, len(orders))
	for _, o := range orders {
		if o.Status == want {
			out = append(out, o)
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, o := range s.src.Status().Orders {
		if o.ID == id {
			respondJSON(w, o)
			return
		}
	}
	respondError(w, http.StatusNotFound, "order not found", id)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := parseAfter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid after", err.Error())
		return
	}
	events := s.events(after)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit", "limit must be a positive integer")
			return
		}
		if len(events) > limit {
			events = events[:limit]
		}
	}
	respondJSON(w, events)
}

// events returns everything after seq. When the engine has trimmed part of
// that range, the journal supplies the older part.
func (s *Server) events(after uint64) []core.Event {
	live := s.src.Events(after)
	if s.history == nil || (len(live) > 0 && live[0].Seq == after+1) {
		return live
	}
	if len(live) == 0 && s.src.Status().LastSeq <= after {
		return live
	}
	stored, err := s.history.Events(after)
	if err != nil {
		s.logger.Warn("history_read_failed", zap.Uint64("after", after), zap.Error(err))
		return live
	}
	last := after
	if n := len(stored); n > 0 {
		last = stored[n-1].Seq
	}
	for _, ev := range live {
		if ev.Seq > last {
			stored = append(stored, ev)
		}
	}
	return stored
}

func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	if s.runtime == nil {
		respondError(w, http.StatusNotFound, "runtime status unavailable", "no state store configured")
		return
	}
	status, ok, err := s.runtime.LoadRuntimeStatus()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "runtime status unreadable", err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "runtime status unavailable", "not written yet")
		return
	}
	respondJSON(w, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok", "symbol": s.src.Symbol()})
}

func parseAfter(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("after"))
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
