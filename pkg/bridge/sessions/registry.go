// Package sessions tracks live call sessions by stream SID and supports the
// server's graceful drain.
package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/azar84/OpenAI-Realtime-API-Twilio-WSS-sub001/pkg/bridge/session"
)

// ErrConflict is returned when a stream SID is already registered to another
// live session.
var ErrConflict = errors.New("stream sid already registered")

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session.CallSession
	wg       sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session.CallSession),
	}
}

// Register claims streamSid for s. A second session presenting the same SID
// is refused rather than displacing the first.
func (r *Registry) Register(streamSid string, s *session.CallSession) error {
	if r == nil || s == nil {
		return nil
	}
	sid := streamSid

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions == nil {
		r.sessions = make(map[string]*session.CallSession)
	}
	if _, taken := r.sessions[sid]; taken {
		return ErrConflict
	}
	r.sessions[sid] = s
	r.wg.Add(1)
	return nil
}

// Remove releases the stream SID. Removing an unknown SID is a no-op so
// session teardown stays idempotent.
func (r *Registry) Remove(streamSid string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	_, present := r.sessions[streamSid]
	if present {
		delete(r.sessions, streamSid)
	}
	r.mu.Unlock()
	if present {
		r.wg.Done()
	}
}

// Lookup returns the live session for streamSid, if any.
func (r *Registry) Lookup(streamSid string) (*session.CallSession, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[streamSid]
	return s, ok
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns summaries of all live sessions, oldest first.
func (r *Registry) Snapshot() []session.Summary {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	live := make([]*session.CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	summaries := make([]session.Summary, 0, len(live))
	for _, s := range live {
		summaries = append(summaries, s.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].StreamSid < summaries[j].StreamSid
		}
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries
}

// CancelAll asks every live session to shut down.
func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}

	var live []*session.CallSession
	r.mu.Lock()
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has been removed, or ctx ends.
// It reports whether the registry fully drained.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
