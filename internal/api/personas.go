package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/orchestrator"
	"github.com/choruslabs/chorus/internal/persona"
	"github.com/choruslabs/chorus/internal/scope"
)

// personaRequest creates a persona in a scope. Omitted fields keep the
// persona defaults.
type personaRequest struct {
	Name           string   `json:"name"`
	Prompt         string   `json:"prompt"`
	Tier           string   `json:"tier"`
	Trigger        string   `json:"trigger"`
	Channels       []string `json:"channels"`
	WebSearch      bool     `json:"web_search"`
	LongTermMemory *bool    `json:"long_term_memory"`
}

type personaHandler struct {
	registry *scope.Registry
	uploads  *orchestrator.Uploads
	secret   string
	logger   log.Logger
}

func (h *personaHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+h.secret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req personaRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	p, err := persona.New(req.Name)
	if err != nil {
		http.Error(w, "invalid persona name", http.StatusBadRequest)
		return
	}
	p.Prompt = req.Prompt
	p.Channels = req.Channels
	p.WebSearch = req.WebSearch
	if req.LongTermMemory != nil {
		p.LongTermMemory = *req.LongTermMemory
	}
	switch req.Tier {
	case "", string(persona.TierStandard):
	case string(persona.TierPremium):
		p.Tier = persona.TierPremium
	case string(persona.TierLargeContext):
		p.Tier = persona.TierLargeContext
	default:
		http.Error(w, "unknown tier", http.StatusBadRequest)
		return
	}
	switch req.Trigger {
	case "", string(persona.TriggerAlways):
	case string(persona.TriggerMention):
		p.Trigger = persona.TriggerMention
	default:
		http.Error(w, "unknown trigger", http.StatusBadRequest)
		return
	}

	scopeID := r.PathValue("scopeID")
	sc, unlock, err := h.registry.Lock(r.Context(), scopeID)
	if err != nil {
		h.logger.Error("persona create lock failed", "scope", scopeID, "error", err)
		http.Error(w, "persona create failed", http.StatusInternalServerError)
		return
	}
	defer unlock()

	if err := sc.AddPersona(p); err != nil {
		switch {
		case errors.Is(err, scope.ErrDuplicateName):
			http.Error(w, "persona name already taken", http.StatusConflict)
		case errors.Is(err, scope.ErrTooManyPersonas):
			http.Error(w, "persona limit reached", http.StatusConflict)
		default:
			http.Error(w, "persona create failed", http.StatusBadRequest)
		}
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleDelete removes the persona and cascades its semantic namespaces.
func (h *personaHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+h.secret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	scopeID := r.PathValue("scopeID")
	name := r.PathValue("name")
	sc, unlock, err := h.registry.Lock(r.Context(), scopeID)
	if err != nil {
		h.logger.Error("persona delete lock failed", "scope", scopeID, "error", err)
		http.Error(w, "persona delete failed", http.StatusInternalServerError)
		return
	}
	defer unlock()

	if err := h.uploads.HandleRemove(r.Context(), sc, name); err != nil {
		if errors.Is(err, scope.ErrPersonaNotFound) {
			http.Error(w, "no such persona", http.StatusNotFound)
			return
		}
		h.logger.Error("persona delete failed", "scope", scopeID, "persona", name, "error", err)
		http.Error(w, "persona delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
