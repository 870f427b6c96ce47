package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/choruslabs/chorus/internal/ledger"
	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/scope"
	"github.com/choruslabs/chorus/internal/summarize"
)

// summaryRequest asks for a bulletpoint summary of a pasted text, streamed
// to the channel excerpt by excerpt.
type summaryRequest struct {
	ScopeID   string `json:"scope_id"`
	ChannelID string `json:"channel_id"`
	DataName  string `json:"data_name"`
	Text      string `json:"text"`
}

type summaryHandler struct {
	summarizer *summarize.Summarizer
	registry   *scope.Registry
	secret     string
	logger     log.Logger
}

func (h *summaryHandler) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+h.secret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req summaryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&req); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if req.ScopeID == "" || req.ChannelID == "" || req.Text == "" {
		http.Error(w, "scope_id, channel_id and text required", http.StatusBadRequest)
		return
	}
	if req.DataName == "" {
		req.DataName = "document"
	}

	sc, unlock, err := h.registry.Lock(r.Context(), req.ScopeID)
	if err != nil {
		h.logger.Error("summary lock failed", "scope", req.ScopeID, "error", err)
		http.Error(w, "summary failed", http.StatusInternalServerError)
		return
	}
	defer unlock()

	if err := h.summarizer.Run(r.Context(), sc, req.ChannelID, req.DataName, req.Text); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			http.Error(w, "insufficient credits", http.StatusPaymentRequired)
			return
		}
		h.logger.Error("summary failed", "scope", req.ScopeID, "error", err)
		http.Error(w, "summary failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
