// Package webhook is the inbound HTTP surface: channel providers deliver end
// user messages here, the engine takes over from intake on. Delivery is
// at-least-once; the debouncer's dedup window makes acceptance idempotent,
// so replays are answered 202 like first deliveries.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/zapdesk/internal/bus"
	"github.com/nextlevelbuilder/zapdesk/internal/directory"
	"github.com/nextlevelbuilder/zapdesk/internal/engine"
)

const maxBodyBytes = 64 << 10

// Server is the inbound webhook listener. Accepted messages are published on
// the bus; the engine consumer picks them up from there, so a slow engine
// back-pressures delivery instead of dropping it.
type Server struct {
	addr      string
	engine    *engine.Engine
	bus       *bus.MessageBus
	directory *directory.Directory
	limiter   *SenderLimiter
	logger    *slog.Logger

	httpServer *http.Server
}

func NewServer(addr string, eng *engine.Engine, mb *bus.MessageBus, dir *directory.Directory, limiter *SenderLimiter, logger *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		engine:    eng,
		bus:       mb,
		directory: dir,
		limiter:   limiter,
		logger:    logger.With("component", "webhook"),
	}
}

// inboundPayload is the provider-facing delivery shape. Tenant is addressed
// by slug; the provider does not know internal ids.
type inboundPayload struct {
	TenantSlug string            `json:"tenant_slug"`
	Contact    string            `json:"contact"`
	ExternalID string            `json:"external_id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/webhook/inbound", s.handleInbound)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("webhook listener starting", "addr", s.addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	var payload inboundPayload
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}
	if payload.TenantSlug == "" || payload.Contact == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_slug and contact are required"})
		return
	}

	if !s.limiter.Allow(payload.TenantSlug + ":" + payload.Contact) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	snap, err := s.directory.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("directory unavailable on intake", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "directory unavailable"})
		return
	}
	tenant, ok := snap.TenantBySlug(payload.TenantSlug)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown tenant"})
		return
	}

	if strings.TrimSpace(payload.Content) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}

	s.bus.PublishInbound(bus.InboundMessage{
		Key:        bus.ConversationKey{TenantID: tenant.ID, Contact: payload.Contact},
		ExternalID: payload.ExternalID,
		Content:    payload.Content,
		ReceivedAt: time.Now(),
		Metadata:   payload.Metadata,
	})

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"contact": payload.Contact,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"pending": s.engine.Debouncer().Pending(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
