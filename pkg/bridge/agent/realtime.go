package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/agentconfig"
)

const realtimeEventBuffer = 64

// RealtimeBackend opens sessions against the OpenAI Realtime API over
// websocket. Telephony audio is relayed as g711 mu-law in both directions so
// no transcoding is needed between the provider and the backend.
type RealtimeBackend struct {
	BaseURL string // e.g. wss://api.openai.com/v1/realtime
	APIKey  string
	Model   string
	Voice   string
	Dialer  *websocket.Dialer
	Logger  *slog.Logger
}

type realtimeSessionUpdate struct {
	Type    string          `json:"type"`
	Session realtimeSession `json:"session"`
}

type realtimeSession struct {
	Modalities        []string       `json:"modalities"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     map[string]any `json:"turn_detection"`
	Tools             []realtimeTool `json:"tools,omitempty"`
}

type realtimeTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type realtimeAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func (b *RealtimeBackend) Open(ctx context.Context, snap agentconfig.Snapshot) (Conn, error) {
	base := strings.TrimSpace(b.BaseURL)
	if base == "" {
		base = "wss://api.openai.com/v1/realtime"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime base url: %w", err)
	}
	q := u.Query()
	if model := strings.TrimSpace(b.Model); model != "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if key := strings.TrimSpace(b.APIKey); key != "" {
		header.Set("Authorization", "Bearer "+key)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := b.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime backend: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime backend: %w", err)
	}

	rc := &realtimeConn{
		ws:     ws,
		logger: logger,
		events: make(chan Event, realtimeEventBuffer),
		closed: make(chan struct{}),
	}

	if err := rc.writeJSON(sessionUpdateFor(snap, b.Voice)); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("apply session configuration: %w", err)
	}

	go rc.readLoop()
	return rc, nil
}

func sessionUpdateFor(snap agentconfig.Snapshot, voice string) realtimeSessionUpdate {
	tools := make([]realtimeTool, 0, len(snap.Tools))
	for _, def := range snap.Tools {
		tools = append(tools, realtimeTool{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return realtimeSessionUpdate{
		Type: "session.update",
		Session: realtimeSession{
			Modalities:        []string{"audio", "text"},
			Instructions:      snap.Instructions,
			Voice:             voice,
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
			TurnDetection:     map[string]any{"type": "server_vad"},
			Tools:             tools,
		},
	}
}

type realtimeConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	events  chan Event
	closed  chan struct{}

	pending   atomic.Int64
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (c *realtimeConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *realtimeConn) SendAudio(frame []byte) error {
	return c.writeJSON(realtimeAudioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame),
	})
}

func (c *realtimeConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.recordErr(err)
			}
			return
		}

		var env struct {
			Type  string `json:"type"`
			Delta string `json:"delta"`
			Error *struct {
				Message string `json:"message"`
				Code    string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("unparseable realtime event", "error", err)
			continue
		}

		switch env.Type {
		case "response.created":
			c.pending.Add(1)
		case "input_audio_buffer.speech_started":
			// Server VAD detected barge-in; the session clears queued playback.
			if !c.deliver(Event{Interrupted: true}) {
				return
			}
		case "response.audio.delta":
			audio, err := base64.StdEncoding.DecodeString(env.Delta)
			if err != nil {
				c.logger.Warn("invalid realtime audio delta", "error", err)
				continue
			}
			if !c.deliver(Event{Audio: audio}) {
				return
			}
		case "response.audio_transcript.delta":
			if !c.deliver(Event{Text: env.Delta}) {
				return
			}
		case "response.done":
			if c.pending.Load() > 0 {
				c.pending.Add(-1)
			}
			if !c.deliver(Event{Done: true}) {
				return
			}
		case "error":
			msg := "realtime backend error"
			if env.Error != nil {
				msg = env.Error.Message
			}
			c.recordErr(fmt.Errorf("%s", msg))
			return
		default:
			// Lifecycle and transcription events the bridge does not act on.
		}
	}
}

func (c *realtimeConn) deliver(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

func (c *realtimeConn) Events() <-chan Event { return c.events }

func (c *realtimeConn) Pending() bool {
	return c.pending.Load() > 0 || len(c.events) > 0
}

func (c *realtimeConn) recordErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *realtimeConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *realtimeConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}
