package api

import (
	"encoding/json"
	"net/http"

	"github.com/choruslabs/chorus/internal/display"
	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/orchestrator"
)

// eventRequest is one inbound conversational message posted by a gateway.
type eventRequest struct {
	ScopeID        string `json:"scope_id"`
	ChannelID      string `json:"channel_id"`
	Text           string `json:"text"`
	SenderName     string `json:"sender_name"`
	Mentioned      bool   `json:"mentioned"`
	ReplyToPersona string `json:"reply_to_persona"`
}

type eventHandler struct {
	orch   *orchestrator.Orchestrator
	memory *display.MemorySurface
	secret string
	logger log.Logger
}

// handleEvent drives a full response for one inbound message. The call is
// synchronous: when it returns, any persona replies are already on the
// surface.
func (h *eventHandler) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+h.secret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req eventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if req.ScopeID == "" || req.ChannelID == "" || req.Text == "" {
		http.Error(w, "scope_id, channel_id and text required", http.StatusBadRequest)
		return
	}

	ev := orchestrator.Event{
		ScopeID:        req.ScopeID,
		ChannelID:      req.ChannelID,
		Text:           req.Text,
		SenderName:     req.SenderName,
		Mentioned:      req.Mentioned,
		ReplyToPersona: req.ReplyToPersona,
	}
	if err := h.orch.HandleEvent(r.Context(), ev); err != nil {
		h.logger.Error("event handling failed", "scope", req.ScopeID, "error", err)
		http.Error(w, "event handling failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMessages returns the channel's rendered messages in send order.
func (h *eventHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+h.secret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	channelID := r.PathValue("channelID")
	msgs := h.memory.Messages(channelID)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		h.logger.Warn("message list encoding failed", "channel", channelID, "error", err)
	}
}
