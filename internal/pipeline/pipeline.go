// Package pipeline tracks each in-flight request through the
// resolve-fetch-separate-package-stream sequence. The table exists for
// cancellation and operator visibility; the work itself runs on the
// request's own goroutine.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State of a tracked request. Transitions only move forward, except
// that any non-terminal state can jump to StateFailed.
type State string

const (
	StateReceived   State = "received"
	StateResolving  State = "resolving"
	StateFetching   State = "fetching"
	StateSeparating State = "separating"
	StatePackaging  State = "packaging"
	StateStreaming  State = "streaming"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Kind distinguishes the two request flavours.
const (
	KindDownload = "download"
	KindStems    = "separate-stems"
)

// Request is one tracked pipeline run.
type Request struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	SourceURL string     `json:"sourceUrl"`
	State     State      `json:"state"`
	ErrorKind ErrorKind  `json:"errorKind,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	cancel context.CancelFunc
}

// Tracker is the table of in-flight and recently finished requests.
// It is the only cross-request shared state besides the session gate.
type Tracker struct {
	mu       sync.RWMutex
	requests map[string]*Request

	now func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		requests: make(map[string]*Request),
		now:      time.Now,
	}
}

// Start registers a new request and returns its entry plus a context
// that is cancelled when the request is cancelled.
func (t *Tracker) Start(ctx context.Context, kind, sourceURL string) (*Request, context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	req := &Request{
		ID:        uuid.NewString(),
		Kind:      kind,
		SourceURL: sourceURL,
		State:     StateReceived,
		StartTime: t.now(),
		cancel:    cancel,
	}

	t.mu.Lock()
	t.requests[req.ID] = req
	t.mu.Unlock()

	return req, ctx
}

// Advance moves a request into the given state. Terminal requests are
// left untouched so a late stage update cannot resurrect a failure.
func (t *Tracker) Advance(id string, state State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.requests[id]
	if !ok || req.State.Terminal() {
		return
	}
	req.State = state
}

// Fail marks a request failed with the classified error kind.
func (t *Tracker) Fail(id string, kind ErrorKind, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.requests[id]
	if !ok || req.State.Terminal() {
		return
	}
	req.State = StateFailed
	req.ErrorKind = kind
	req.Error = message
	end := t.now()
	req.EndTime = &end
	req.cancel()
}

// Finish marks a request done.
func (t *Tracker) Finish(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.requests[id]
	if !ok || req.State.Terminal() {
		return
	}
	req.State = StateDone
	end := t.now()
	req.EndTime = &end
	req.cancel()
}

// Cancel aborts an in-flight request, releasing whatever stage it is
// blocked in via its context.
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.State.Terminal() {
		return ErrInvalidState
	}

	req.cancel()
	req.State = StateFailed
	req.ErrorKind = KindCanceled
	req.Error = "request cancelled"
	end := t.now()
	req.EndTime = &end
	return nil
}

// ReleaseTerminalBefore drops every done or failed request that ended
// before cutoff, releasing its context resources. In-flight requests
// are never touched. Returns the number of entries removed.
func (t *Tracker) ReleaseTerminalBefore(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	released := 0
	for id, req := range t.requests {
		if !req.State.Terminal() || req.EndTime == nil || !req.EndTime.Before(cutoff) {
			continue
		}
		req.cancel()
		delete(t.requests, id)
		released++
	}
	return released
}

// Get returns a snapshot of one request.
func (t *Tracker) Get(id string) (Request, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	req, ok := t.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return *req, nil
}

// List returns a snapshot of every tracked request.
func (t *Tracker) List() []Request {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Request, 0, len(t.requests))
	for _, req := range t.requests {
		out = append(out, *req)
	}
	return out
}
