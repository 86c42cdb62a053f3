// Package handlers contains the HTTP and websocket endpoints of the bridge.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/agent"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/metrics"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/mw"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/session"
)

// StreamHandler upgrades a media-stream websocket and runs the call session
// on the request goroutine until it reaches a terminal state.
type StreamHandler struct {
	Logger   *slog.Logger
	Registry session.Registry
	Resolver session.ConfigResolver
	Backend  agent.Backend
	Metrics  *metrics.Metrics
	Config   session.Config
	Endpoint string
}

func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The telephony provider connects without an Origin header; browser
	// clients on the voice-chat endpoint are cross-origin by design of the
	// deployment, so the upgrade itself accepts any origin.
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	reqID, _ := mw.RequestIDFrom(r.Context())
	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.Logger,
		Resolver:  h.Resolver,
		Backend:   h.Backend,
		Registry:  h.Registry,
		Metrics:   h.Metrics,
		RequestID: reqID,
		Endpoint:  h.Endpoint,
		Config:    h.Config,
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("reject media stream", "error", err, "request_id", reqID)
		}
		_ = conn.Close()
		return
	}

	if err := s.Run(); err != nil && h.Logger != nil {
		h.Logger.Debug("media stream ended with error", "error", err, "request_id", reqID)
	}
}
