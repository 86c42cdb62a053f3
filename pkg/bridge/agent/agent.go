// Package agent relays audio between a call session and the voice-agent
// backend. The Bridge owns a bounded send queue toward the backend and
// surfaces backpressure to the caller instead of buffering without limit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/agentconfig"
)

var (
	ErrBackpressure = errors.New("agent bridge backpressure")
	ErrClosed       = errors.New("agent bridge closed")
)

// Event is one ordered item produced by the backend. Audio and Text are
// deltas; Done marks the end of one agent response; Interrupted means the
// caller started speaking over queued agent audio, which should be discarded.
type Event struct {
	Audio       []byte
	Text        string
	Done        bool
	Interrupted bool
}

// Conn is an open connection to the voice-agent backend. Events preserves the
// order the backend produced them in; the channel closes when the backend
// connection ends, after which Err reports the terminal failure, if any.
type Conn interface {
	SendAudio(frame []byte) error
	Events() <-chan Event
	Pending() bool
	Err() error
	Close() error
}

// Backend negotiates fresh agent connections. Each call is a new negotiation;
// there is no reconnect inside the bridge.
type Backend interface {
	Open(ctx context.Context, snap agentconfig.Snapshot) (Conn, error)
}

type Config struct {
	OpenTimeout   time.Duration
	SendQueueSize int
}

type Bridge struct {
	conn   Conn
	logger *slog.Logger

	sendQ chan []byte
	done  chan struct{}

	closeOnce sync.Once
	sendErr   atomic.Value // error from the sender goroutine
}

// Open connects to the backend with the configuration snapshot applied. The
// dial is bounded by cfg.OpenTimeout; failure or timeout is returned as-is so
// the session can treat it as a connect error.
func Open(ctx context.Context, backend Backend, snap agentconfig.Snapshot, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if backend == nil {
		return nil, fmt.Errorf("agent backend is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}

	openCtx, cancel := context.WithTimeout(ctx, cfg.OpenTimeout)
	defer cancel()

	conn, err := backend.Open(openCtx, snap)
	if err != nil {
		return nil, fmt.Errorf("open agent backend: %w", err)
	}

	b := &Bridge{
		conn:   conn,
		logger: logger,
		sendQ:  make(chan []byte, cfg.SendQueueSize),
		done:   make(chan struct{}),
	}
	go b.sendLoop()
	return b, nil
}

func (b *Bridge) sendLoop() {
	for {
		select {
		case <-b.done:
			return
		case frame := <-b.sendQ:
			if err := b.conn.SendAudio(frame); err != nil {
				b.sendErr.Store(err)
				b.logger.Warn("agent send failed", "error", err)
				b.Close()
				return
			}
		}
	}
}

// SendAudio queues one audio frame toward the backend. Returns
// ErrBackpressure when the queue is full and ErrClosed after Close; it never
// blocks the caller.
func (b *Bridge) SendAudio(frame []byte) error {
	select {
	case <-b.done:
		if err, ok := b.sendErr.Load().(error); ok {
			return err
		}
		return ErrClosed
	default:
	}
	select {
	case b.sendQ <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Events exposes the backend's ordered event stream.
func (b *Bridge) Events() <-chan Event {
	return b.conn.Events()
}

// Pending reports whether the backend still owes output, used by the session
// while draining.
func (b *Bridge) Pending() bool {
	return b.conn.Pending()
}

func (b *Bridge) Err() error {
	if err, ok := b.sendErr.Load().(error); ok {
		return err
	}
	return b.conn.Err()
}

// Close tears the backend connection down. Safe to call repeatedly and from
// any goroutine.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.conn.Close()
	})
	return err
}
