// Package server is the HTTP surface: channel webhooks, the review API,
// the review event stream, and the in-app chat endpoints. Webhook routes
// carry provider signatures and are rate limited; review routes carry the
// bearer token.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/backlinehq/backline/internal/bus"
	"github.com/backlinehq/backline/internal/channels"
	"github.com/backlinehq/backline/internal/channels/inapp"
	"github.com/backlinehq/backline/internal/config"
	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/store"
	"github.com/backlinehq/backline/internal/worker"
	"github.com/backlinehq/backline/pkg/protocol"
)

const defaultMaxBodyBytes = 1 << 20

// Resumer records an external review verdict on a parked item.
type Resumer interface {
	Resume(ctx context.Context, id uuid.UUID, d pipeline.Decision) (*pipeline.Item, error)
}

// WorkerControl is the slice of the worker the server drives: an immediate
// tick after a decision, and the summary endpoint's data.
type WorkerControl interface {
	Kick()
	LastSummary() (worker.TickSummary, time.Time)
}

// Config wires the server. Channels and Queue are required; the rest
// degrades: no Resumer disables decisions, no Events disables the stream,
// no InApp disables the in-app routes.
type Config struct {
	Server    config.ServerConfig
	Tailscale config.TailscaleConfig

	Channels *channels.Manager
	Queue    store.QueueStore
	Audit    store.AuditLog
	Resumer  Resumer
	Worker   WorkerControl
	Events   bus.Publisher
	InApp    *inapp.Adapter
}

// Server serves the HTTP surface.
type Server struct {
	cfg       config.ServerConfig
	channels  *channels.Manager
	queue     store.QueueStore
	audit     store.AuditLog
	resumer   Resumer
	worker    WorkerControl
	events    bus.Publisher
	inapp     *inapp.Adapter
	rateLimit *channels.RateLimiter
	upgrader  websocket.Upgrader

	httpServer *http.Server
	mux        *http.ServeMux
}

// New creates the server.
func New(cfg Config) *Server {
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		cfg:       cfg.Server,
		channels:  cfg.Channels,
		queue:     cfg.Queue,
		audit:     cfg.Audit,
		resumer:   cfg.Resumer,
		worker:    cfg.Worker,
		events:    cfg.Events,
		inapp:     cfg.InApp,
		rateLimit: channels.NewRateLimiter(cfg.Server.RateLimitRPM, 5),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// BuildMux creates and caches the mux with all routes registered. Call it
// before Start when the same routes need a second listener.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Channel webhooks: provider-signed, so no bearer auth; rate limited
	// and body-capped instead.
	for _, wh := range s.channels.Webhooks() {
		mux.Handle("POST "+wh.Path(), s.limited(s.capped(wh.Handler())))
		slog.Info("webhook mounted", "channel", wh.Name(), "path", wh.Path())
	}

	mux.HandleFunc("GET /v1/review/pending", s.auth(s.handlePending))
	mux.HandleFunc("GET /v1/review/{id}", s.auth(s.handleItem))
	mux.HandleFunc("POST /v1/review/{id}/decision", s.auth(s.handleDecision))
	mux.HandleFunc("GET /v1/review/stream", s.auth(s.handleStream))
	mux.HandleFunc("GET /v1/worker/summary", s.auth(s.handleSummary))

	if s.inapp != nil {
		mux.Handle("POST /v1/inapp/messages", s.limited(s.capped(s.inapp.HandleMessage())))
		mux.Handle("GET /v1/inapp/socket", s.inapp.HandleSocket())
	}

	s.mux = mux
	return mux
}

// Start listens until ctx is canceled, then drains with a 5s grace.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// handleHealth reports adapter liveness and queue depth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":   "ok",
		"protocol": protocol.Version,
		"channels": s.channels.Status(),
	}
	if counts, err := s.queue.CountByState(r.Context()); err == nil {
		resp["queue"] = counts
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSummary reports the last worker tick and current queue depth.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.worker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "worker not attached"})
		return
	}
	sum, at := s.worker.LastSummary()
	resp := map[string]any{
		"last_tick":    sum,
		"last_tick_at": at,
	}
	if counts, err := s.queue.CountByState(r.Context()); err == nil {
		resp["queue"] = counts
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- middleware ---

// auth enforces the bearer token on review routes. An empty configured
// token disables the check (dev mode). Websocket clients may carry the
// token in the query string because browsers cannot set headers on a
// socket upgrade.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			token := extractBearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

// limited applies the per-remote rate limit.
func (s *Server) limited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimit.Allow(remoteKey(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// capped bounds the request body.
func (s *Server) capped(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// remoteKey picks the rate-limit key for a request: the first
// X-Forwarded-For hop when a proxy fronts us, else the peer address
// without its port.
func remoteKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
