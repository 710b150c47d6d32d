// Package controlapi exposes kestrel's HTTP control surface: sending a
// message into a session, checking status, listing sessions and
// history, resetting a session, querying accumulated cost, and
// accepting an evolution payload (logged, not applied). When a bearer
// token is configured, every request must present it, compared in
// constant time; with no token configured, requests pass unchecked.
// Every request is subject to per-client-IP rate limiting.
package controlapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrel-ai/kestrel/internal/cost"
	"github.com/kestrel-ai/kestrel/internal/ratelimit"
	"github.com/kestrel-ai/kestrel/internal/sessions"
	"github.com/kestrel-ai/kestrel/internal/statedir"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

// Config tunes the HTTP surface.
type Config struct {
	ListenAddr     string
	BearerToken    string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// Submitter accepts an inbound message for orchestration; implemented
// by *orchestrator.Orchestrator in production wiring.
type Submitter interface {
	Submit(msg models.InboundMessage)
}

// Server is the control API's HTTP handler and listener.
type Server struct {
	cfg    Config
	store  sessions.Store
	submit Submitter
	ledger *cost.Ledger
	layout statedir.Layout
	logger *slog.Logger
	limiter *ratelimit.Limiter

	mux *http.ServeMux

	requests *prometheus.CounterVec
}

// New builds a Server. reg may be nil to skip metrics registration
// (e.g. in tests).
func New(cfg Config, store sessions.Store, submit Submitter, ledger *cost.Ledger, layout statedir.Layout, logger *slog.Logger, reg *prometheus.Registry) *Server {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 5
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		store:  store,
		submit: submit,
		ledger: ledger,
		layout: layout,
		logger: logger,
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
			Enabled:           true,
		}, 10000),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_control_api_requests_total",
			Help: "Total control API requests by route and outcome.",
		}, []string{"route", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(s.requests)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /notify", s.handleNotify)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /sessions/reset", s.handleReset)
	mux.HandleFunc("GET /cost", s.handleCost)
	mux.HandleFunc("GET /monitor", s.handleMonitor)
	mux.HandleFunc("POST /evolve", s.handleEvolve)
	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	s.mux = mux
	return s
}

// Handler returns the fully wrapped HTTP handler: auth, rate limiting,
// body-size cap, and per-request timeout.
func (s *Server) Handler() http.Handler {
	return s.withTimeout(s.withAuth(s.withRateLimit(s.withBodyLimit(s.mux))))
}

// ListenAndServe starts the HTTP server; it blocks until ctx is
// cancelled or an unrecoverable error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withTimeout(next http.Handler) http.Handler {
	return http.TimeoutHandler(next, s.cfg.RequestTimeout, `{"error":"request timed out"}`)
}

// withAuth rejects requests lacking a valid bearer token. The
// comparison uses crypto/subtle so that token-guessing cannot be
// accelerated by timing differences between "missing" and "wrong", and
// the failure response is identical in both cases.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.BearerToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		var ok bool
		if strings.HasPrefix(header, prefix) {
			presented := header[len(prefix):]
			ok = subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.BearerToken)) == 1
		}
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !s.limiter.Allow(key) {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type chatRequest struct {
	SenderID   string `json:"sender_id"`
	Text       string `json:"text"`
	QuotedText string `json:"quoted_text"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.count("chat", "bad_request")
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SenderID == "" || req.Text == "" {
		s.count("chat", "bad_request")
		writeJSONError(w, http.StatusBadRequest, "sender_id and text are required")
		return
	}

	future := models.NewResponseFuture()
	msg := models.InboundMessage{
		SenderID:   req.SenderID,
		Source:     models.SourceHTTP,
		Text:       req.Text,
		QuotedText: req.QuotedText,
		ReceivedAt: time.Now(),
		Future:     future,
	}
	s.submit.Submit(msg)

	reply, ok := future.Wait(r.Context().Done())
	if !ok {
		s.count("chat", "cancelled")
		writeJSONError(w, http.StatusGatewayTimeout, "request cancelled")
		return
	}
	if reply.Err != nil {
		s.count("chat", "error")
		writeJSONError(w, http.StatusBadGateway, reply.Err.Error())
		return
	}
	s.count("chat", "ok")
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply.Text})
}

// handleNotify injects a system-sourced message into a session without
// expecting (or waiting for) a delivered reply; kestrelctl's notify
// command is its client.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.count("notify", "bad_request")
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SenderID == "" || req.Text == "" {
		s.count("notify", "bad_request")
		writeJSONError(w, http.StatusBadRequest, "sender_id and text are required")
		return
	}
	s.submit.Submit(models.InboundMessage{
		SenderID:   req.SenderID,
		Source:     models.SourceSystem,
		Text:       req.Text,
		ReceivedAt: time.Now(),
	})
	s.count("notify", "ok")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.count("status", "ok")
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.List(r.Context())
	if err != nil {
		s.count("sessions", "error")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.count("sessions", "ok")
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		fmt.Sscanf(q, "%d", &limit)
	}
	msgs, err := s.store.History(r.Context(), id, limit)
	if err != nil {
		s.count("history", "error")
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	s.count("history", "ok")
	writeJSON(w, http.StatusOK, msgs)
}

type resetRequest struct {
	SenderID string       `json:"sender_id"`
	Source   models.Source `json:"source"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.count("reset", "bad_request")
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.store.GetOrCreate(r.Context(), req.SenderID, req.Source)
	if err != nil {
		s.count("reset", "error")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.Close(r.Context(), sess.ID); err != nil {
		s.count("reset", "error")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.count("reset", "ok")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.count("cost", "unavailable")
		writeJSONError(w, http.StatusServiceUnavailable, "cost ledger unavailable")
		return
	}
	resp := map[string]any{"total_usd": s.ledger.Total()}
	if sid := r.URL.Query().Get("session_id"); sid != "" {
		resp["session_usd"] = s.ledger.BySession(sid)
	}
	s.count("cost", "ok")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if err := s.layout.TouchMonitor(); err != nil {
		s.count("monitor", "error")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.count("monitor", "ok")
	writeJSON(w, http.StatusOK, map[string]string{"status": "touched"})
}

// handleEvolve accepts a proposed configuration overlay and answers
// 202 Accepted. It only logs the payload's size: the overlay is not
// stored, applied or executed, and nothing else in the daemon reads it.
func (s *Server) handleEvolve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.count("evolve", "bad_request")
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if s.logger != nil {
		s.logger.Info("controlapi: evolve requested", "bytes", len(body))
	}
	s.count("evolve", "accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) count(route, outcome string) {
	if s.requests != nil {
		s.requests.WithLabelValues(route, outcome).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
