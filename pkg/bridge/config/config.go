// Package config loads bridge settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Host advertised in TwiML stream URLs. When empty the voice webhook
	// derives it from the incoming request.
	PublicHost string

	// Realtime agent backend.
	OpenAIAPIKey    string
	RealtimeBaseURL string
	RealtimeModel   string
	RealtimeVoice   string

	// Agent configuration service; when empty the bridge runs with the static
	// instructions below.
	ConfigServiceBaseURL string
	ConfigResolveTimeout time.Duration
	Instructions         string

	AgentOpenTimeout   time.Duration
	AgentSendQueueSize int

	// Media stream websocket.
	MaxJSONMessageBytes int64
	HandshakeTimeout    time.Duration
	WSPingInterval      time.Duration
	WSWriteTimeout      time.Duration
	WSReadTimeout       time.Duration
	OutboundQueueSize   int
	DrainTimeout        time.Duration
	MaxSequenceGap      uint64 // cumulative tolerated gap; 0 => never escalate
	MarkEveryNFrames    int
	MaxSessionDuration  time.Duration

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("BRIDGE_ADDR", ":8080"),
		PublicHost:           envOr("BRIDGE_PUBLIC_HOST", ""),
		OpenAIAPIKey:         envOr("OPENAI_API_KEY", ""),
		RealtimeBaseURL:      envOr("BRIDGE_REALTIME_BASE_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:        envOr("BRIDGE_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		RealtimeVoice:        envOr("BRIDGE_REALTIME_VOICE", "alloy"),
		ConfigServiceBaseURL: envOr("BRIDGE_CONFIG_SERVICE_URL", ""),
		ConfigResolveTimeout: envDurationOr("BRIDGE_CONFIG_RESOLVE_TIMEOUT", 5*time.Second),
		Instructions:         envOr("BRIDGE_INSTRUCTIONS", "You are a helpful voice assistant answering a phone call. Keep responses short and conversational."),
		AgentOpenTimeout:     envDurationOr("BRIDGE_AGENT_OPEN_TIMEOUT", 10*time.Second),
		AgentSendQueueSize:   envIntOr("BRIDGE_AGENT_SEND_QUEUE", 256),
		MaxJSONMessageBytes:  envInt64Or("BRIDGE_WS_MAX_MESSAGE_BYTES", 64*1024),
		HandshakeTimeout:     envDurationOr("BRIDGE_WS_HANDSHAKE_TIMEOUT", 10*time.Second),
		WSPingInterval:       envDurationOr("BRIDGE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:       envDurationOr("BRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:        envDurationOr("BRIDGE_WS_READ_TIMEOUT", 0),
		OutboundQueueSize:    envIntOr("BRIDGE_WS_OUTBOUND_QUEUE", 128),
		DrainTimeout:         envDurationOr("BRIDGE_DRAIN_TIMEOUT", 3*time.Second),
		MaxSequenceGap:       envUint64Or("BRIDGE_MAX_SEQUENCE_GAP", 0),
		MarkEveryNFrames:     envIntOr("BRIDGE_MARK_EVERY_N_FRAMES", 50),
		MaxSessionDuration:   envDurationOr("BRIDGE_MAX_SESSION_DURATION", 2*time.Hour),
		CORSAllowedOrigins:   make(map[string]struct{}),
		ReadHeaderTimeout:    envDurationOr("BRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("BRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("BRIDGE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.RealtimeBaseURL) == "" {
		return Config{}, fmt.Errorf("BRIDGE_REALTIME_BASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.RealtimeModel) == "" {
		return Config{}, fmt.Errorf("BRIDGE_REALTIME_MODEL must not be empty")
	}
	if cfg.ConfigResolveTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_CONFIG_RESOLVE_TIMEOUT must be > 0")
	}
	if cfg.AgentOpenTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_AGENT_OPEN_TIMEOUT must be > 0")
	}
	if cfg.AgentSendQueueSize <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_AGENT_SEND_QUEUE must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.DrainTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_DRAIN_TIMEOUT must be > 0")
	}
	if cfg.MarkEveryNFrames < 0 {
		return Config{}, fmt.Errorf("BRIDGE_MARK_EVERY_N_FRAMES must be >= 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envUint64Or(key string, def uint64) uint64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
