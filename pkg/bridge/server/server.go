// Package server wires the bridge's endpoints, middleware and shared state.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/agent"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/agentconfig"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/config"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/handlers"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/metrics"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/mw"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/session"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/sessions"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	registry *sessions.Registry
	metrics  *metrics.Metrics
	resolver session.ConfigResolver
	// activator is non-nil only when a configuration service is wired; it
	// backs the activate endpoint.
	activator *agentconfig.Resolver
	backend   agent.Backend

	draining atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		resolver  session.ConfigResolver
		activator *agentconfig.Resolver
	)
	if cfg.ConfigServiceBaseURL != "" {
		httpClient := &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
		r, err := agentconfig.NewResolver(agentconfig.Options{
			BaseURL:    cfg.ConfigServiceBaseURL,
			HTTPClient: httpClient,
			Timeout:    cfg.ConfigResolveTimeout,
			Logger:     logger,
		})
		if err != nil {
			logger.Warn("configuration service disabled", "error", err)
		} else {
			resolver = r
			activator = r
		}
	}
	if resolver == nil {
		resolver = agentconfig.StaticResolver{Instructions: cfg.Instructions}
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		registry:  sessions.NewRegistry(),
		metrics:   metrics.New("bridge"),
		resolver:  resolver,
		activator: activator,
		backend: &agent.RealtimeBackend{
			BaseURL: cfg.RealtimeBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.RealtimeModel,
			Voice:   cfg.RealtimeVoice,
			Logger:  logger,
		},
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Ready: func() bool { return !s.draining.Load() }})
	s.mux.Handle("/metrics", s.metrics.Handler())

	stream := handlers.StreamHandler{
		Logger:   s.logger,
		Registry: s.registry,
		Resolver: s.resolver,
		Backend:  s.backend,
		Metrics:  s.metrics,
		Config:   s.sessionConfig(),
	}
	callStream := stream
	callStream.Endpoint = "call"
	voiceChat := stream
	voiceChat.Endpoint = "voice-chat"
	s.mux.Handle("/call-stream", callStream)
	s.mux.Handle("/voice-chat", voiceChat)

	s.mux.Handle("POST /voice/inbound", handlers.VoiceHandler{
		Logger:     s.logger,
		PublicHost: s.cfg.PublicHost,
		Greeting:   "Connecting you to the assistant.",
		StreamPath: "/call-stream",
	})

	s.mux.Handle("GET /v1/sessions", handlers.SessionListHandler{Registry: s.registry})
	s.mux.Handle("POST /v1/configurations/{id}/activate", handlers.ConfigActivateHandler{
		Logger:   s.logger,
		Resolver: s.activator,
	})
}

func (s *Server) sessionConfig() session.Config {
	return session.Config{
		MaxJSONMessageBytes:  s.cfg.MaxJSONMessageBytes,
		HandshakeTimeout:     s.cfg.HandshakeTimeout,
		ReadTimeout:          s.cfg.WSReadTimeout,
		WriteTimeout:         s.cfg.WSWriteTimeout,
		PingInterval:         s.cfg.WSPingInterval,
		ConfigResolveTimeout: s.cfg.ConfigResolveTimeout,
		AgentOpenTimeout:     s.cfg.AgentOpenTimeout,
		AgentSendQueueSize:   s.cfg.AgentSendQueueSize,
		OutboundQueueSize:    s.cfg.OutboundQueueSize,
		DrainTimeout:         s.cfg.DrainTimeout,
		MaxSequenceGap:       s.cfg.MaxSequenceGap,
		MarkEveryNFrames:     s.cfg.MarkEveryNFrames,
		MaxSessionDuration:   s.cfg.MaxSessionDuration,
	}
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness so load balancers stop routing new calls here.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

// SessionCount reports how many call sessions are live.
func (s *Server) SessionCount() int {
	return s.registry.Count()
}

// WaitSessions blocks until every live session has torn down, or ctx ends.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.registry.Wait(ctx)
}

// CancelSessions force-closes every live session.
func (s *Server) CancelSessions() int {
	return s.registry.CancelAll()
}
