package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/agent"
	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/agentconfig"
)

type fakeWS struct {
	in   chan []byte
	done chan struct{}

	mu      sync.Mutex
	written [][]byte

	closeOnce sync.Once
}

func newFakeWS() *fakeWS {
	return &fakeWS{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-f.done:
		return 0, nil, io.EOF
	}
}

func (f *fakeWS) SetReadLimit(int64)                {}
func (f *fakeWS) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeWS) SetPongHandler(func(string) error) {}
func (f *fakeWS) SetWriteDeadline(time.Time) error  { return nil }

func (f *fakeWS) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeWS) WriteControl(int, []byte, time.Time) error { return nil }

func (f *fakeWS) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeWS) disconnect() {
	close(f.in)
}

// writtenWith returns the first written frame containing substr.
func (f *fakeWS) writtenWith(substr string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, frame := range f.written {
		if strings.Contains(string(frame), substr) {
			return frame, true
		}
	}
	return nil, false
}

type fakeAgentConn struct {
	mu      sync.Mutex
	sent    [][]byte
	events  chan agent.Event
	pending bool
}

func newFakeAgentConn() *fakeAgentConn {
	return &fakeAgentConn{events: make(chan agent.Event, 16)}
}

func (c *fakeAgentConn) SendAudio(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeAgentConn) Events() <-chan agent.Event { return c.events }

func (c *fakeAgentConn) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending || len(c.events) > 0
}

func (c *fakeAgentConn) setPending(v bool) {
	c.mu.Lock()
	c.pending = v
	c.mu.Unlock()
}

func (c *fakeAgentConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeAgentConn) Err() error   { return nil }
func (c *fakeAgentConn) Close() error { return nil }

type fakeAgentBackend struct {
	mu      sync.Mutex
	conn    *fakeAgentConn
	snap    agentconfig.Snapshot
	openErr error
}

func (b *fakeAgentBackend) Open(_ context.Context, snap agentconfig.Snapshot) (agent.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.snap = snap
	return b.conn, nil
}

type fakeResolver struct {
	snap agentconfig.Snapshot
	err  error
}

func (r fakeResolver) Resolve(context.Context) (agentconfig.Snapshot, error) {
	return r.snap, r.err
}

type fakeRegistry struct {
	mu         sync.Mutex
	registered map[string]*CallSession
	removed    []string
	conflict   bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{registered: make(map[string]*CallSession)}
}

func (r *fakeRegistry) Register(streamSid string, s *CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflict {
		return errors.New("stream sid already registered")
	}
	r.registered[streamSid] = s
	return nil
}

func (r *fakeRegistry) Remove(streamSid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, streamSid)
}

func (r *fakeRegistry) removedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.removed)
}

type testHarness struct {
	ws       *fakeWS
	agent    *fakeAgentConn
	backend  *fakeAgentBackend
	registry *fakeRegistry
	session  *CallSession
	errCh    chan error
}

func startHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	h := &testHarness{
		ws:       newFakeWS(),
		agent:    newFakeAgentConn(),
		registry: newFakeRegistry(),
		errCh:    make(chan error, 1),
	}
	h.backend = &fakeAgentBackend{conn: h.agent}

	s, err := New(Dependencies{
		Conn:     h.ws,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Resolver: fakeResolver{snap: agentconfig.Snapshot{ID: "cfg-1"}},
		Backend:  h.backend,
		Registry: h.registry,
		Config:   cfg,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.session = s

	go func() { h.errCh <- s.Run() }()
	t.Cleanup(func() {
		s.Cancel()
		select {
		case <-h.errCh:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

func (h *testHarness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.session.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state=%s, want %s", h.session.State(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *testHarness) waitErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return")
		return nil
	}
}

func startFrame(sid string) []byte {
	return []byte(fmt.Sprintf(`{
		"event": "start",
		"sequenceNumber": "1",
		"streamSid": %q,
		"start": {
			"streamSid": %q,
			"accountSid": "AC1",
			"callSid": "CA1",
			"tracks": ["inbound"],
			"mediaFormat": {"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1}
		}
	}`, sid, sid))
}

func mediaFrame(sid string, seq uint64, audio []byte) []byte {
	return []byte(fmt.Sprintf(`{
		"event": "media",
		"sequenceNumber": "%d",
		"streamSid": %q,
		"media": {"track": "inbound", "chunk": "%d", "timestamp": "%d", "payload": %q}
	}`, seq, sid, seq, seq*20, base64.StdEncoding.EncodeToString(audio)))
}

func stopFrame(sid string, seq uint64) []byte {
	return []byte(fmt.Sprintf(`{"event": "stop", "sequenceNumber": "%d", "streamSid": %q}`, seq, sid))
}

func TestSession_HandshakeActivates(t *testing.T) {
	h := startHarness(t, Config{})

	h.ws.in <- startFrame("MZ1")
	h.waitState(t, StateActive)

	sum := h.session.Summary()
	if sum.StreamSid != "MZ1" || sum.CallSid != "CA1" || sum.AccountSid != "AC1" {
		t.Fatalf("summary sids=%q/%q/%q", sum.StreamSid, sum.CallSid, sum.AccountSid)
	}
	if sum.MediaFormat.Encoding != "audio/x-mulaw" || sum.MediaFormat.SampleRate != 8000 {
		t.Fatalf("summary format=%+v", sum.MediaFormat)
	}

	h.backend.mu.Lock()
	snapID := h.backend.snap.ID
	h.backend.mu.Unlock()
	if snapID != "cfg-1" {
		t.Fatalf("backend opened with config %q, want cfg-1", snapID)
	}

	h.registry.mu.Lock()
	_, registered := h.registry.registered["MZ1"]
	h.registry.mu.Unlock()
	if !registered {
		t.Fatalf("session not registered under its stream sid")
	}
}

func TestSession_MediaForwardedAndDuplicatesDropped(t *testing.T) {
	h := startHarness(t, Config{})

	h.ws.in <- startFrame("MZ1")
	h.waitState(t, StateActive)

	h.ws.in <- mediaFrame("MZ1", 2, []byte{0x01, 0x02})
	h.ws.in <- mediaFrame("MZ1", 3, []byte{0x03, 0x04})
	h.ws.in <- mediaFrame("MZ1", 3, []byte{0x05, 0x06}) // duplicate, dropped

	deadline := time.Now().Add(2 * time.Second)
	for h.agent.sentCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("agent received %d frames, want 2", h.agent.sentCount())
		}
		time.Sleep(2 * time.Millisecond)
	}
	// Give the duplicate a moment to (wrongly) arrive.
	time.Sleep(20 * time.Millisecond)
	if h.agent.sentCount() != 2 {
		t.Fatalf("agent received %d frames, want 2", h.agent.sentCount())
	}

	h.agent.mu.Lock()
	defer h.agent.mu.Unlock()
	if string(h.agent.sent[0]) != "\x01\x02" || string(h.agent.sent[1]) != "\x03\x04" {
		t.Fatalf("agent frames=%q", h.agent.sent)
	}
}

func TestSession_AgentAudioReachesCaller(t *testing.T) {
	h := startHarness(t, Config{})

	h.ws.in <- startFrame("MZ1")
	h.waitState(t, StateActive)

	h.agent.events <- agent.Event{Audio: []byte("mulaw-bytes")}

	wantPayload := base64.StdEncoding.EncodeToString([]byte("mulaw-bytes"))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if frame, ok := h.ws.writtenWith(`"media"`); ok {
			var env struct {
				Event     string `json:"event"`
				StreamSid string `json:"streamSid"`
				Media     struct {
					Payload string `json:"payload"`
				} `json:"media"`
			}
			if err := json.Unmarshal(frame, &env); err != nil {
				t.Fatalf("unmarshal outbound frame: %v", err)
			}
			if env.StreamSid != "MZ1" || env.Media.Payload != wantPayload {
				t.Fatalf("outbound frame=%s", frame)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no media frame written to caller")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSession_BargeInSendsClear(t *testing.T) {
	h := startHarness(t, Config{})

	h.ws.in <- startFrame("MZ1")
	h.waitState(t, StateActive)

	h.agent.events <- agent.Event{Interrupted: true}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.ws.writtenWith(`"clear"`); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no clear frame written after barge-in")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSession_StopDrainsThenCloses(t *testing.T) {
	h := startHarness(t, Config{DrainTimeout: 5 * time.Second})

	h.ws.in <- startFrame("MZ1")
	h.waitState(t, StateActive)

	h.agent.setPending(true)
	h.ws.in <- stopFrame("MZ1", 2)
	h.waitState(t, StateDraining)

	h.agent.setPending(false)
	h.agent.events <- agent.Event{Done: true}

	if err := h.waitErr(t); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := h.session.State(); got != StateClosed {
		t.Fatalf("state=%s, want %s", got, StateClosed)
	}
	if h.registry.removedCount() != 1 {
		t.Fatalf("registry removals=%d, want 1", h.registry.removedCount())
	}
}

func TestSession_StopWithIdleAgentClosesImmediately(t *testing.T) {
	h := startHarness(t, Config{})

	h.ws.in <- startFrame("MZ1")
	h.waitState(t, StateActive)

	h.ws.in <- stopFrame("MZ1", 2)

	if err := h.waitErr(t); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := h.session.State(); got != StateClosed {
		t.Fatalf("state=%s, want %s", got, StateClosed)
	}
}

func TestSession_DrainTimeoutForcesClose(t *testing.T) {
	h := startHarness(t, Config{DrainTimeout: 30 * time.Millisecond})

	h.ws.in <- startFrame("MZ1")
	h.waitState(t, StateActive)

	h.agent.setPending(true)
	h.ws.in <- stopFrame("MZ1", 2)

	if err := h.waitErr(t); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := h.session.State(); got != StateClosed {
		t.Fatalf("state=%s, want %s", got, StateClosed)
	}
}

func TestSession_DisconnectDuringCallIsImplicitStop(t *testing.T) {
	h := startHarness(t, Config{})

	h.ws.in <- startFrame("MZ1")
	h.waitState(t, StateActive)

	h.ws.disconnect()

	if err := h.waitErr(t); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := h.session.State(); got != StateClosed {
		t.Fatalf("state=%s, want %s", got, StateClosed)
	}
}

func TestSession_MediaBeforeStartErrors(t *testing.T) {
	h := startHarness(t, Config{})

	h.ws.in <- mediaFrame("MZ1", 1, []byte{0x01})

	if err := h.waitErr(t); err == nil {
		t.Fatalf("Run() succeeded, want protocol violation")
	}
	if got := h.session.State(); got != StateErrored {
		t.Fatalf("state=%s, want %s", got, StateErrored)
	}
}

func TestSession_HandshakeTimeout(t *testing.T) {
	h := startHarness(t, Config{HandshakeTimeout: 30 * time.Millisecond})

	if err := h.waitErr(t); err == nil {
		t.Fatalf("Run() succeeded, want handshake timeout")
	}
	if got := h.session.State(); got != StateErrored {
		t.Fatalf("state=%s, want %s", got, StateErrored)
	}
}

func TestSession_RegistryConflictErrors(t *testing.T) {
	h := startHarness(t, Config{})
	h.registry.mu.Lock()
	h.registry.conflict = true
	h.registry.mu.Unlock()

	h.ws.in <- startFrame("MZ1")

	if err := h.waitErr(t); err == nil {
		t.Fatalf("Run() succeeded, want conflict error")
	}
	if got := h.session.State(); got != StateErrored {
		t.Fatalf("state=%s, want %s", got, StateErrored)
	}
	if h.registry.removedCount() != 0 {
		t.Fatalf("registry removals=%d for a session that never registered", h.registry.removedCount())
	}
}

func TestSession_BackendOpenFailureErrors(t *testing.T) {
	h := startHarness(t, Config{})
	h.backend.mu.Lock()
	h.backend.openErr = errors.New("backend unreachable")
	h.backend.mu.Unlock()

	h.ws.in <- startFrame("MZ1")

	if err := h.waitErr(t); err == nil {
		t.Fatalf("Run() succeeded, want backend open failure")
	}
	if got := h.session.State(); got != StateErrored {
		t.Fatalf("state=%s, want %s", got, StateErrored)
	}
	// The conflict-free registration still happened, so teardown must release it.
	if h.registry.removedCount() != 1 {
		t.Fatalf("registry removals=%d, want 1", h.registry.removedCount())
	}
}

func TestSession_SequenceGapEscalation(t *testing.T) {
	h := startHarness(t, Config{MaxSequenceGap: 3})

	h.ws.in <- startFrame("MZ1")
	h.waitState(t, StateActive)

	h.ws.in <- mediaFrame("MZ1", 2, []byte{0x01})
	h.ws.in <- mediaFrame("MZ1", 10, []byte{0x02}) // gap of 7 exceeds the limit

	if err := h.waitErr(t); err == nil {
		t.Fatalf("Run() succeeded, want sequence gap escalation")
	}
	if got := h.session.State(); got != StateErrored {
		t.Fatalf("state=%s, want %s", got, StateErrored)
	}
}

func TestSession_ForeignStreamFramesDropped(t *testing.T) {
	h := startHarness(t, Config{})

	h.ws.in <- startFrame("MZ1")
	h.waitState(t, StateActive)

	h.ws.in <- mediaFrame("MZother", 2, []byte{0x0a}) // wrong stream, dropped
	h.ws.in <- stopFrame("MZother", 3)                // wrong stream, ignored
	h.ws.in <- mediaFrame("MZ1", 2, []byte{0x01})

	deadline := time.Now().Add(2 * time.Second)
	for h.agent.sentCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("agent received %d frames, want 1", h.agent.sentCount())
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if h.agent.sentCount() != 1 {
		t.Fatalf("agent received %d frames, want 1", h.agent.sentCount())
	}
	h.agent.mu.Lock()
	got0 := string(h.agent.sent[0])
	h.agent.mu.Unlock()
	if got0 != "\x01" {
		t.Fatalf("agent frame=%q, want the native stream's audio", got0)
	}
	if got := h.session.State(); got != StateActive {
		t.Fatalf("state=%s, want %s", got, StateActive)
	}
}

func TestSession_RepeatedViolationsEscalate(t *testing.T) {
	h := startHarness(t, Config{})

	h.ws.in <- startFrame("MZ1")
	h.waitState(t, StateActive)

	for i := 0; i <= maxBadFrames; i++ {
		h.ws.in <- []byte("{not json")
	}

	if err := h.waitErr(t); err == nil {
		t.Fatalf("Run() succeeded, want protocol violation escalation")
	}
	if got := h.session.State(); got != StateErrored {
		t.Fatalf("state=%s, want %s", got, StateErrored)
	}
}

func TestSession_SingleBadFrameTolerated(t *testing.T) {
	h := startHarness(t, Config{})

	h.ws.in <- startFrame("MZ1")
	h.waitState(t, StateActive)

	h.ws.in <- []byte("{not json")
	h.ws.in <- mediaFrame("MZ1", 2, []byte{0x01})

	deadline := time.Now().Add(2 * time.Second)
	for h.agent.sentCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("agent received %d frames, want 1", h.agent.sentCount())
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := h.session.State(); got != StateActive {
		t.Fatalf("state=%s, want %s", got, StateActive)
	}
}

func TestSession_GapWithinLimitTolerated(t *testing.T) {
	h := startHarness(t, Config{})

	h.ws.in <- startFrame("MZ1")
	h.waitState(t, StateActive)

	h.ws.in <- mediaFrame("MZ1", 2, []byte{0x01})
	h.ws.in <- mediaFrame("MZ1", 10, []byte{0x02})

	deadline := time.Now().Add(2 * time.Second)
	for h.agent.sentCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("agent received %d frames, want 2", h.agent.sentCount())
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := h.session.State(); got != StateActive {
		t.Fatalf("state=%s, want %s", got, StateActive)
	}
}
