package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/agentconfig"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/apierror"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/mw"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/session"
)

// SessionLister is what the session list endpoint needs from the registry.
type SessionLister interface {
	Snapshot() []session.Summary
}

// SessionListHandler serves the live-session inventory.
type SessionListHandler struct {
	Registry SessionLister
}

type sessionListResponse struct {
	Sessions []session.Summary `json:"sessions"`
	Count    int               `json:"count"`
}

func (h SessionListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	summaries := h.Registry.Snapshot()
	if summaries == nil {
		summaries = []session.Summary{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessionListResponse{
		Sessions: summaries,
		Count:    len(summaries),
	})
}

// ConfigActivateHandler pins a named agent configuration for all sessions
// started after the call.
type ConfigActivateHandler struct {
	Logger   *slog.Logger
	Resolver *agentconfig.Resolver
}

func (h ConfigActivateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		apierror.WriteError(w, http.StatusBadRequest, &apierror.Error{
			Type:      apierror.TypeInvalidRequest,
			Message:   "configuration id is required",
			Param:     "id",
			RequestID: reqID,
		})
		return
	}
	if h.Resolver == nil {
		http.Error(w, "configuration service is not configured", http.StatusServiceUnavailable)
		return
	}

	if err := h.Resolver.Activate(r.Context(), id); err != nil {
		apierror.Write(w, err, reqID)
		return
	}

	if h.Logger != nil {
		h.Logger.Info("configuration activated", "config", id, "request_id", reqID)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"activated": id})
}
