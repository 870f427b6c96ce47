package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/choruslabs/chorus/internal/converse"
	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/scope"
)

// conversationRequest starts a scripted dialogue between two personas.
type conversationRequest struct {
	ScopeID   string `json:"scope_id"`
	ChannelID string `json:"channel_id"`
	PersonaA  string `json:"persona_a"`
	PersonaB  string `json:"persona_b"`
	Scenario  string `json:"scenario"`
}

type conversationHandler struct {
	manager  *converse.Manager
	registry *scope.Registry
	secret   string
	logger   log.Logger
}

// handleStart plays the opening rounds synchronously; the session is left
// paused for a later resume.
func (h *conversationHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+h.secret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req conversationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if req.ScopeID == "" || req.ChannelID == "" || req.PersonaA == "" || req.PersonaB == "" {
		http.Error(w, "scope_id, channel_id, persona_a and persona_b required", http.StatusBadRequest)
		return
	}

	sc, unlock, err := h.registry.Lock(r.Context(), req.ScopeID)
	if err != nil {
		h.logger.Error("conversation lock failed", "scope", req.ScopeID, "error", err)
		http.Error(w, "conversation failed", http.StatusInternalServerError)
		return
	}
	defer unlock()

	a, ok := sc.PersonaNamed(req.PersonaA)
	if !ok {
		http.Error(w, "no such persona: "+req.PersonaA, http.StatusNotFound)
		return
	}
	b, ok := sc.PersonaNamed(req.PersonaB)
	if !ok {
		http.Error(w, "no such persona: "+req.PersonaB, http.StatusNotFound)
		return
	}

	if err := h.manager.Start(r.Context(), sc, req.ChannelID, req.Scenario, a, b); err != nil {
		h.logger.Error("conversation failed", "scope", req.ScopeID, "error", err)
		http.Error(w, "conversation failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResume continues a paused dialogue in the channel.
func (h *conversationHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+h.secret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	channelID := r.PathValue("channelID")
	scopeID, ok := h.manager.ScopeID(channelID)
	if !ok {
		http.Error(w, "no conversation in this channel", http.StatusNotFound)
		return
	}

	_, unlock, err := h.registry.Lock(r.Context(), scopeID)
	if err != nil {
		h.logger.Error("conversation lock failed", "scope", scopeID, "error", err)
		http.Error(w, "conversation failed", http.StatusInternalServerError)
		return
	}
	defer unlock()

	if err := h.manager.Resume(r.Context(), channelID); err != nil {
		switch {
		case errors.Is(err, converse.ErrNoSession):
			http.Error(w, "no conversation in this channel", http.StatusNotFound)
		case errors.Is(err, converse.ErrNotPaused):
			http.Error(w, "conversation is still running", http.StatusConflict)
		default:
			h.logger.Error("conversation resume failed", "channel", channelID, "error", err)
			http.Error(w, "conversation failed", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
