// Package session owns one telephony media stream from websocket accept to
// teardown. A CallSession runs a single-goroutine event loop over the
// provider's frames and the agent backend's output, and moves through
// AWAITING_START, ACTIVE, DRAINING and a terminal CLOSED or ERRORED state.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/agent"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/agentconfig"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/metrics"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/protocol"
)

// State is the lifecycle phase of a call session.
type State string

const (
	StateAwaitingStart State = "AWAITING_START"
	StateActive        State = "ACTIVE"
	StateDraining      State = "DRAINING"
	StateClosed        State = "CLOSED"
	StateErrored       State = "ERRORED"
)

// Terminal reports whether no further transition is possible from st.
func (st State) Terminal() bool {
	return st == StateClosed || st == StateErrored
}

// Summary is the read-only view of a session exposed over the admin API.
type Summary struct {
	StreamSid      string               `json:"streamSid"`
	CallSid        string               `json:"callSid,omitempty"`
	AccountSid     string               `json:"accountSid,omitempty"`
	State          State                `json:"state"`
	MediaFormat    protocol.MediaFormat `json:"mediaFormat"`
	CreatedAt      time.Time            `json:"createdAt"`
	LastActivityAt time.Time            `json:"lastActivityAt"`
}

// Conn is the provider-facing websocket connection. *websocket.Conn
// implements it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Registry tracks live sessions by stream SID. Register fails when the SID is
// already taken by another session.
type Registry interface {
	Register(streamSid string, s *CallSession) error
	Remove(streamSid string)
}

// ConfigResolver produces the agent configuration snapshot applied to a new
// session.
type ConfigResolver interface {
	Resolve(ctx context.Context) (agentconfig.Snapshot, error)
}

// Transcoder converts audio between the provider's wire encoding and the
// backend's. The default is a passthrough since both sides speak g711 mu-law.
type Transcoder interface {
	ToAgent(frame []byte) []byte
	ToCaller(frame []byte) []byte
}

type passthroughTranscoder struct{}

func (passthroughTranscoder) ToAgent(frame []byte) []byte  { return frame }
func (passthroughTranscoder) ToCaller(frame []byte) []byte { return frame }

type Config struct {
	MaxJSONMessageBytes  int64
	HandshakeTimeout     time.Duration // max wait for the start frame
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	ConfigResolveTimeout time.Duration
	AgentOpenTimeout     time.Duration
	AgentSendQueueSize   int
	OutboundQueueSize    int
	DrainTimeout         time.Duration
	MaxSequenceGap       uint64 // cumulative gap before the session errors; 0 disables
	MarkEveryNFrames     int    // outbound mark cadence; 0 disables
	MaxSessionDuration   time.Duration
}

type Dependencies struct {
	Conn       Conn
	Logger     *slog.Logger
	Resolver   ConfigResolver
	Backend    agent.Backend
	Registry   Registry
	Metrics    *metrics.Metrics
	Transcoder Transcoder
	RequestID  string
	Endpoint   string // metrics/log label, e.g. "call" or "voice-chat"
	Config     Config
	Now        func() time.Time
}

type CallSession struct {
	conn       Conn
	logger     *slog.Logger
	resolver   ConfigResolver
	backend    agent.Backend
	registry   Registry
	metrics    *metrics.Metrics
	transcoder Transcoder
	requestID  string
	endpoint   string
	cfg        Config
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	closeOutbound    sync.Once

	mu           sync.Mutex
	state        State
	streamSid    string
	callSid      string
	accountSid   string
	mediaFormat  protocol.MediaFormat
	createdAt    time.Time
	lastActivity time.Time

	// Run-loop-only fields; never touched from other goroutines.
	bridge     *agent.Bridge
	registered bool
	started    bool
	lastSeq    uint64
	gapTotal   uint64
	badFrames  int
	audioOut   int
	drainTimer *time.Timer
}

// maxBadFrames bounds how many undecodable or out-of-state frames a live
// session tolerates before the peer is considered broken.
const maxBadFrames = 10

type inboundFrame struct {
	messageType int
	data        []byte
}

const outboundPriorityQueueSize = 8

func New(deps Dependencies) (*CallSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("config resolver is required")
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("agent backend is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Transcoder == nil {
		deps.Transcoder = passthroughTranscoder{}
	}
	if deps.Endpoint == "" {
		deps.Endpoint = "call"
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.HandshakeTimeout <= 0 {
		deps.Config.HandshakeTimeout = 10 * time.Second
	}
	if deps.Config.ConfigResolveTimeout <= 0 {
		deps.Config.ConfigResolveTimeout = 5 * time.Second
	}
	if deps.Config.DrainTimeout <= 0 {
		deps.Config.DrainTimeout = 3 * time.Second
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}

	ctx, cancel := context.WithCancel(context.Background())
	createdAt := deps.Now()
	return &CallSession{
		conn:             deps.Conn,
		logger:           deps.Logger,
		resolver:         deps.Resolver,
		backend:          deps.Backend,
		registry:         deps.Registry,
		metrics:          deps.Metrics,
		transcoder:       deps.Transcoder,
		requestID:        deps.RequestID,
		endpoint:         deps.Endpoint,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		state:            StateAwaitingStart,
		createdAt:        createdAt,
		lastActivity:     createdAt,
	}, nil
}

// State returns the current lifecycle state.
func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamSid returns the stream SID captured from the start frame, or "" before
// the handshake completes.
func (s *CallSession) StreamSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSid
}

// Summary returns the admin-facing view of this session.
func (s *CallSession) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		StreamSid:      s.streamSid,
		CallSid:        s.callSid,
		AccountSid:     s.accountSid,
		State:          s.state,
		MediaFormat:    s.mediaFormat,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
	}
}

// CreatedAt returns when the session was accepted.
func (s *CallSession) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// Cancel asks the run loop to shut the session down. Safe from any goroutine.
func (s *CallSession) Cancel() {
	s.cancel()
}

func (s *CallSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *CallSession) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Run drives the session until a terminal state. It owns all state
// transitions; only Cancel and the read-only accessors are safe concurrently.
func (s *CallSession) Run() error {
	defer s.cancel()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	defer s.teardown(writerErrCh)

	handshakeTimer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer handshakeTimer.Stop()
	handshakeCh := func() <-chan time.Time {
		if s.State() != StateAwaitingStart {
			return nil
		}
		return handshakeTimer.C
	}

	var sessionTimer *time.Timer
	if s.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(s.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}

	drainCh := func() <-chan time.Time {
		if s.drainTimer == nil {
			return nil
		}
		return s.drainTimer.C
	}
	defer func() {
		if s.drainTimer != nil {
			s.drainTimer.Stop()
		}
	}()

	var agentEvents <-chan agent.Event

	for {
		select {
		case <-s.ctx.Done():
			if !s.State().Terminal() {
				s.setState(StateClosed)
			}
			return nil

		case err := <-writerErrCh:
			if err == nil {
				if !s.State().Terminal() {
					s.setState(StateClosed)
				}
				return nil
			}
			return s.fail("transport_write", fmt.Errorf("write to provider: %w", err))

		case frame, ok := <-readCh:
			if !ok {
				return s.onTransportClosed()
			}
			if frame.messageType != websocket.TextMessage {
				continue
			}
			s.touch()
			done, err := s.handleText(frame.data)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			if agentEvents == nil && s.bridge != nil {
				agentEvents = s.bridge.Events()
			}

		case ev, ok := <-agentEvents:
			if !ok {
				agentEvents = nil
				if s.State() == StateDraining {
					s.setState(StateClosed)
					return nil
				}
				if err := s.bridge.Err(); err != nil {
					return s.fail("agent_error", fmt.Errorf("agent backend failed: %w", err))
				}
				return s.fail("agent_closed", errors.New("agent backend closed mid-call"))
			}
			if err := s.forwardAgentEvent(ev); err != nil {
				return err
			}
			if s.State() == StateDraining && !s.bridge.Pending() && len(agentEvents) == 0 {
				s.setState(StateClosed)
				return nil
			}

		case <-handshakeCh():
			return s.fail("handshake_timeout", errors.New("no start frame received"))

		case <-drainCh():
			s.logger.Warn("drain timeout, closing with pending agent output",
				"streamSid", s.StreamSid())
			s.setState(StateClosed)
			return nil

		case <-sessionTimerCh():
			switch s.State() {
			case StateActive:
				s.logger.Warn("maximum session duration reached", "streamSid", s.StreamSid())
				s.enterDraining()
				if s.State() == StateClosed {
					return nil
				}
			case StateAwaitingStart:
				return s.fail("session_timeout", errors.New("maximum session duration reached before start"))
			}
		}
	}
}

func (s *CallSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// handleText processes one provider frame. It returns done=true when the
// session reached CLOSED, and a non-nil error when it reached ERRORED.
func (s *CallSession) handleText(data []byte) (done bool, err error) {
	ev, decErr := protocol.Decode(data)
	if decErr != nil {
		if s.State() == StateAwaitingStart {
			return false, s.fail("bad_frame", fmt.Errorf("undecodable frame before start: %w", decErr))
		}
		s.logger.Warn("dropping undecodable frame", "streamSid", s.StreamSid(), "error", decErr)
		s.metrics.RecordFrame("unknown", "dropped")
		if s.noteBadFrame() {
			return false, s.fail("protocol_violation", fmt.Errorf("too many undecodable frames: %w", decErr))
		}
		return false, nil
	}

	switch s.State() {
	case StateAwaitingStart:
		if ev.Event != protocol.EventStart {
			return false, s.fail("protocol_violation", fmt.Errorf("expected start frame, got %q", ev.Event))
		}
		if err := s.handleStart(ev); err != nil {
			return false, err
		}
		s.metrics.RecordFrame(protocol.EventStart, "ok")
		return false, nil

	case StateActive:
		if sid := s.StreamSid(); ev.StreamSid != "" && ev.StreamSid != sid {
			s.logger.Warn("dropping frame for foreign stream",
				"streamSid", sid, "event", ev.Event, "frameStreamSid", ev.StreamSid)
			s.metrics.RecordFrame(ev.Event, "dropped")
			if s.noteBadFrame() {
				return false, s.fail("protocol_violation", fmt.Errorf("too many frames for foreign stream %q", ev.StreamSid))
			}
			return false, nil
		}
		switch ev.Event {
		case protocol.EventStart:
			return false, s.fail("protocol_violation", errors.New("duplicate start frame on active stream"))
		case protocol.EventMedia:
			return false, s.handleMedia(ev)
		case protocol.EventMark:
			s.logger.Debug("playback mark acknowledged", "streamSid", s.StreamSid(), "name", ev.Mark.Name)
			s.metrics.RecordFrame(protocol.EventMark, "ok")
			return false, nil
		case protocol.EventStop, protocol.EventClose:
			s.metrics.RecordFrame(ev.Event, "ok")
			s.enterDraining()
			return s.State() == StateClosed, nil
		default:
			s.logger.Warn("dropping unexpected frame", "streamSid", s.StreamSid(), "event", ev.Event)
			s.metrics.RecordFrame(ev.Event, "dropped")
			if s.noteBadFrame() {
				return false, s.fail("protocol_violation", fmt.Errorf("too many out-of-state %s frames", ev.Event))
			}
			return false, nil
		}

	case StateDraining:
		// The provider may keep sending frames after stop; none change state.
		s.metrics.RecordFrame(ev.Event, "ignored")
		return false, nil
	}

	return false, nil
}

func (s *CallSession) handleStart(ev protocol.StreamEvent) error {
	s.mu.Lock()
	s.streamSid = ev.StreamSid
	s.callSid = ev.Start.CallSid
	s.accountSid = ev.Start.AccountSid
	s.mediaFormat = ev.Start.MediaFormat
	s.mu.Unlock()
	s.lastSeq = ev.Sequence

	if s.registry != nil {
		if err := s.registry.Register(ev.StreamSid, s); err != nil {
			return s.fail("conflict", fmt.Errorf("register stream %s: %w", ev.StreamSid, err))
		}
		s.registered = true
	}

	resolveCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ConfigResolveTimeout)
	snap, err := s.resolver.Resolve(resolveCtx)
	cancel()
	if err != nil {
		return s.fail("config_resolve", fmt.Errorf("resolve agent configuration: %w", err))
	}

	bridge, err := agent.Open(s.ctx, s.backend, snap, agent.Config{
		OpenTimeout:   s.cfg.AgentOpenTimeout,
		SendQueueSize: s.cfg.AgentSendQueueSize,
	}, s.logger)
	if err != nil {
		return s.fail("agent_connect", err)
	}
	s.bridge = bridge

	s.setState(StateActive)
	s.started = true
	s.metrics.RecordSessionStart()
	s.logger.Info("call started",
		"streamSid", ev.StreamSid,
		"callSid", ev.Start.CallSid,
		"encoding", ev.Start.MediaFormat.Encoding,
		"sampleRate", ev.Start.MediaFormat.SampleRate,
		"config", snap.ID,
		"requestID", s.requestID,
	)
	return nil
}

func (s *CallSession) handleMedia(ev protocol.StreamEvent) error {
	if !s.acceptSequence(ev) {
		return nil
	}
	if s.cfg.MaxSequenceGap > 0 && s.gapTotal > s.cfg.MaxSequenceGap {
		return s.fail("sequence_gap", fmt.Errorf("cumulative sequence gap %d exceeds limit %d", s.gapTotal, s.cfg.MaxSequenceGap))
	}

	audio, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
	if err != nil {
		s.logger.Warn("dropping media frame with invalid payload", "streamSid", s.StreamSid(), "error", err)
		s.metrics.RecordFrame(protocol.EventMedia, "dropped")
		return nil
	}

	if err := s.bridge.SendAudio(s.transcoder.ToAgent(audio)); err != nil {
		if errors.Is(err, agent.ErrBackpressure) {
			s.logger.Warn("agent backpressure, dropping media frame", "streamSid", s.StreamSid(), "seq", ev.Sequence)
			s.metrics.RecordError("agent_backpressure")
			s.metrics.RecordFrame(protocol.EventMedia, "dropped")
			return nil
		}
		return s.fail("agent_send", fmt.Errorf("forward audio to agent: %w", err))
	}
	s.metrics.RecordFrame(protocol.EventMedia, "ok")
	s.metrics.RecordAudio("inbound", len(audio))
	return nil
}

// noteBadFrame counts a recoverable protocol violation and reports whether
// the cumulative total has crossed the tolerance.
func (s *CallSession) noteBadFrame() bool {
	s.badFrames++
	return s.badFrames > maxBadFrames
}

// acceptSequence applies the ordering policy: duplicates are dropped, gaps are
// recorded but the frame is still accepted.
func (s *CallSession) acceptSequence(ev protocol.StreamEvent) bool {
	if ev.Sequence <= s.lastSeq {
		s.logger.Warn("dropping duplicate frame",
			"streamSid", s.StreamSid(), "event", ev.Event, "seq", ev.Sequence, "lastSeq", s.lastSeq)
		s.metrics.RecordFrame(ev.Event, "duplicate")
		return false
	}
	if gap := ev.Sequence - s.lastSeq - 1; gap > 0 {
		s.gapTotal += gap
		s.logger.Warn("sequence gap",
			"streamSid", s.StreamSid(), "expected", s.lastSeq+1, "got", ev.Sequence, "gapTotal", s.gapTotal)
		s.metrics.RecordError("sequence_gap")
	}
	s.lastSeq = ev.Sequence
	return true
}

func (s *CallSession) forwardAgentEvent(ev agent.Event) error {
	if ev.Interrupted {
		frame, err := protocol.EncodeClear(s.StreamSid())
		if err == nil {
			s.enqueuePriority(frame)
		}
		s.logger.Debug("caller barge-in, clearing queued audio", "streamSid", s.StreamSid())
		return nil
	}
	if len(ev.Audio) > 0 {
		out := s.transcoder.ToCaller(ev.Audio)
		frame, err := protocol.EncodeMedia(s.StreamSid(), base64.StdEncoding.EncodeToString(out))
		if err != nil {
			return s.fail("encode_media", err)
		}
		s.enqueueNormal(frame)
		s.metrics.RecordAudio("outbound", len(out))

		s.audioOut++
		if s.cfg.MarkEveryNFrames > 0 && s.audioOut%s.cfg.MarkEveryNFrames == 0 {
			if mark, err := protocol.EncodeMark(s.StreamSid(), fmt.Sprintf("resp-%d", s.audioOut)); err == nil {
				s.enqueueNormal(mark)
			}
		}
	}
	if ev.Text != "" {
		s.logger.Debug("agent transcript delta", "streamSid", s.StreamSid(), "text", ev.Text)
	}
	if ev.Done {
		s.logger.Debug("agent response complete", "streamSid", s.StreamSid())
	}
	return nil
}

func (s *CallSession) enqueueNormal(frame []byte) {
	select {
	case s.outboundNormal <- outboundFrame{textPayload: frame}:
	default:
		s.logger.Warn("outbound backpressure, dropping frame", "streamSid", s.StreamSid())
		s.metrics.RecordError("outbound_backpressure")
	}
}

func (s *CallSession) enqueuePriority(frame []byte) {
	select {
	case s.outboundPriority <- outboundFrame{textPayload: frame}:
	default:
		s.logger.Warn("outbound backpressure, dropping priority frame", "streamSid", s.StreamSid())
		s.metrics.RecordError("outbound_backpressure")
	}
}

// enterDraining handles an explicit stop: transition to DRAINING and, when
// the agent owes nothing, straight through to CLOSED. Otherwise the drain
// timer bounds how long the session waits for the tail of the agent's output.
func (s *CallSession) enterDraining() {
	s.setState(StateDraining)
	s.logger.Info("call draining", "streamSid", s.StreamSid())
	if s.bridge == nil || !s.bridge.Pending() {
		s.setState(StateClosed)
		return
	}
	if s.drainTimer == nil {
		s.drainTimer = time.NewTimer(s.cfg.DrainTimeout)
	}
}

func (s *CallSession) onTransportClosed() error {
	switch s.State() {
	case StateActive, StateDraining:
		// Provider hangup is an implicit stop; any undelivered agent output is
		// moot without a transport to carry it.
		s.setState(StateClosed)
		s.logger.Info("provider disconnected", "streamSid", s.StreamSid())
		return nil
	case StateAwaitingStart:
		return s.fail("transport_closed", errors.New("provider disconnected before start"))
	default:
		return nil
	}
}

// fail moves the session to ERRORED and returns err for Run's caller. The
// state is visible to Summary readers before any teardown runs.
func (s *CallSession) fail(code string, err error) error {
	s.setState(StateErrored)
	s.metrics.RecordError(code)
	s.logger.Error("session failed",
		"streamSid", s.StreamSid(), "code", code, "error", err, "requestID", s.requestID)
	return err
}

func (s *CallSession) teardown(writerErrCh <-chan error) {
	if !s.State().Terminal() {
		s.setState(StateErrored)
	}

	if s.bridge != nil {
		_ = s.bridge.Close()
	}

	// Let the writer flush anything queued at priority, then force the socket
	// shut.
	s.closeOutbound.Do(func() {
		close(s.outboundPriority)
		close(s.outboundNormal)
	})
	s.cancel()
	wait := 100 * time.Millisecond
	if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
		wait = s.cfg.WriteTimeout
	}
	timer := time.NewTimer(wait)
	select {
	case <-writerErrCh:
	case <-timer.C:
	}
	timer.Stop()
	_ = s.conn.Close()

	if s.registered {
		s.registry.Remove(s.StreamSid())
	}

	if s.started {
		status := "completed"
		if s.State() == StateErrored {
			status = "errored"
		}
		duration := s.now().Sub(s.CreatedAt())
		s.metrics.RecordSessionEnd(s.endpoint, status, duration)
		s.logger.Info("call ended",
			"streamSid", s.StreamSid(), "status", status, "duration", duration.Round(time.Millisecond))
	}
}
