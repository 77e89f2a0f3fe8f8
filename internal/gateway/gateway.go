// Package gateway is the daemon's HTTP control surface: health, metrics,
// manual proposals, on-demand heartbeat ticks, trigger firing, and a
// websocket event stream for dashboard clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/bloq-ai/crewd/internal/bus"
	"github.com/bloq-ai/crewd/internal/heartbeat"
	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/proposal"
	"github.com/bloq-ai/crewd/internal/trigger"
)

const maxReplayEvents = 64

type Config struct {
	Store     *persistence.Store
	Bus       *bus.Bus
	Proposals *proposal.Service
	Heartbeat *heartbeat.Heartbeat
	Triggers  *trigger.Engine

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed on /healthz.
	ConfigFingerprint string

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/api/proposals", s.handleProposals)
	mux.HandleFunc("/api/triggers/", s.handleTriggerFire)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if _, err := s.cfg.Store.MetricsCounts(ctx); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.MetricsCounts(r.Context())
	if err != nil {
		http.Error(w, `{"error":"metrics unavailable"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(counts)
}

// handleHeartbeat runs one coordination tick synchronously and returns its
// per-stage counts. Useful for operators and tests; the cron schedule drives
// the same code path.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	res := s.cfg.Heartbeat.Tick(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

type proposalRequest struct {
	Title        string          `json:"title"`
	Summary      string          `json:"summary"`
	StepKinds    []string        `json:"step_kinds"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	StepPayloads []string        `json:"step_payloads,omitempty"`
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req proposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	outcome, err := s.cfg.Proposals.Create(r.Context(), proposal.Input{
		Source:       "manual",
		Title:        req.Title,
		Summary:      req.Summary,
		StepKinds:    req.StepKinds,
		Payload:      string(req.Payload),
		StepPayloads: req.StepPayloads,
	})
	if err != nil {
		if errors.Is(err, proposal.ErrValidation) {
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
			return
		}
		s.logger.Error("proposal creation failed", "error", err)
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(outcome)
}

// handleTriggerFire implements POST /api/triggers/{name}/fire.
func (s *Server) handleTriggerFire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/triggers/")
	name, ok := strings.CutSuffix(rest, "/fire")
	if !ok || name == "" || strings.Contains(name, "/") {
		http.Error(w, `{"error":"expected /api/triggers/{name}/fire"}`, http.StatusNotFound)
		return
	}
	fired, err := s.cfg.Triggers.FireNow(r.Context(), name)
	if err != nil {
		if persistence.ErrNotFound(err) {
			http.Error(w, `{"error":"unknown trigger"}`, http.StatusNotFound)
			return
		}
		s.logger.Error("trigger fire failed", "rule", name, "error", err)
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"rule": name, "fired": fired})
}

// handleWS streams event-log rows to the client as JSON. An optional
// ?from_id=N query replays up to maxReplayEvents stored events before
// switching to the live bus feed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.logger.Info("ws client connected")
	defer func() {
		s.logger.Info("ws client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()

	// Subscribe before replay so no event falls between catch-up and live.
	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	if from := r.URL.Query().Get("from_id"); from != "" {
		if fromID, err := strconv.ParseInt(from, 10, 64); err == nil {
			stored, err := s.cfg.Store.ListEventsFrom(ctx, fromID, maxReplayEvents)
			if err != nil {
				s.logger.Error("ws replay failed", "error", err)
				return
			}
			for _, ev := range stored {
				if err := wsjson.Write(ctx, conn, ev); err != nil {
					return
				}
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, event.Payload); err != nil {
				s.logger.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}

// Serve runs the HTTP server until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
