// Package api exposes the HTTP surface: the credit top-up webhook consumed
// by the payment provider and the gateway routes used by chat frontends
// (events, messages, persona administration, summaries, scripted
// dialogues). All routes are bearer-token protected.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/choruslabs/chorus/internal/converse"
	"github.com/choruslabs/chorus/internal/display"
	"github.com/choruslabs/chorus/internal/ledger"
	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/orchestrator"
	"github.com/choruslabs/chorus/internal/scope"
	"github.com/choruslabs/chorus/internal/summarize"
)

// topUpRequest is the payment provider's webhook payload.
type topUpRequest struct {
	ScopeID   string `json:"scope_id"`
	ChannelID string `json:"channel_id"`
	Credits   int    `json:"credits"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Registry     *scope.Registry            // Required
	Ledger       *ledger.Ledger             // Required
	Surface      display.Surface            // Optional: nil disables the confirmation message
	Orchestrator *orchestrator.Orchestrator // Optional: nil disables the event gateway
	Memory       *display.MemorySurface     // Optional: nil disables the message read endpoint
	Summarizer   *summarize.Summarizer      // Optional: nil disables the summary endpoint
	Uploads      *orchestrator.Uploads      // Optional: nil disables persona administration
	Sessions     *converse.Manager          // Optional: nil disables scripted dialogues
	Secret       string                     // Required: bearer token for all routes
	Logger       log.Logger
}

// Server handles credit top-up deliveries and, when an orchestrator is
// configured, the conversational event gateway.
type Server struct {
	mux *http.ServeMux
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Registry == nil || cfg.Ledger == nil {
		return nil, errors.New("registry and ledger are required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	th := &topUpHandler{
		registry: cfg.Registry,
		ledger:   cfg.Ledger,
		surface:  cfg.Surface,
		secret:   cfg.Secret,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/topup", th.topUp)

	if cfg.Orchestrator != nil {
		eh := &eventHandler{
			orch:   cfg.Orchestrator,
			memory: cfg.Memory,
			secret: cfg.Secret,
			logger: logger,
		}
		mux.HandleFunc("POST /api/v1/events", eh.handleEvent)
		if cfg.Memory != nil {
			mux.HandleFunc("GET /api/v1/channels/{channelID}/messages", eh.handleMessages)
		}
	}

	if cfg.Summarizer != nil {
		sh := &summaryHandler{
			summarizer: cfg.Summarizer,
			registry:   cfg.Registry,
			secret:     cfg.Secret,
			logger:     logger,
		}
		mux.HandleFunc("POST /api/v1/summaries", sh.handleSummary)
	}

	if cfg.Uploads != nil {
		ph := &personaHandler{
			registry: cfg.Registry,
			uploads:  cfg.Uploads,
			secret:   cfg.Secret,
			logger:   logger,
		}
		mux.HandleFunc("POST /api/v1/scopes/{scopeID}/personas", ph.handleCreate)
		mux.HandleFunc("DELETE /api/v1/scopes/{scopeID}/personas/{name}", ph.handleDelete)
	}

	if cfg.Sessions != nil {
		ch := &conversationHandler{
			manager:  cfg.Sessions,
			registry: cfg.Registry,
			secret:   cfg.Secret,
			logger:   logger,
		}
		mux.HandleFunc("POST /api/v1/conversations", ch.handleStart)
		mux.HandleFunc("POST /api/v1/conversations/{channelID}/resume", ch.handleResume)
	}
	return &Server{mux: mux}, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type topUpHandler struct {
	registry *scope.Registry
	ledger   *ledger.Ledger
	surface  display.Surface
	secret   string
	logger   log.Logger
}

func (h *topUpHandler) topUp(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+h.secret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if req.ScopeID == "" || req.Credits <= 0 {
		http.Error(w, "scope_id and positive credits required", http.StatusBadRequest)
		return
	}

	if err := h.apply(r.Context(), req); err != nil {
		h.logger.Error("top-up failed", "scope", req.ScopeID, "error", err)
		http.Error(w, "top-up failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *topUpHandler) apply(ctx context.Context, req topUpRequest) error {
	sc, unlock, err := h.registry.Lock(ctx, req.ScopeID)
	if err != nil {
		return fmt.Errorf("lock scope: %w", err)
	}
	defer unlock()

	h.ledger.Credit(sc, req.Credits)

	if h.surface != nil && req.ChannelID != "" {
		text := fmt.Sprintf("Added %d credits. New balance: %d.", req.Credits, sc.Credits)
		if _, err := h.surface.Send(ctx, req.ChannelID, text); err != nil {
			h.logger.Warn("top-up confirmation not delivered", "scope", sc.ID, "error", err)
		}
	}
	return nil
}
