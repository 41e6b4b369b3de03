// Package queue implements the request FIFO feeding the single queue worker.
// Each queued item is an Envelope: the client's raw request, a liveness
// handle for the originating HTTP connection, a single-shot result future,
// and a cancellation flag. Envelopes are created at HTTP ingress, mutated
// only by the worker (cancelled) or the owning pipeline (future resolution),
// and destroyed once the future is consumed.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Liveness reports whether the originating HTTP client is still connected.
type Liveness interface {
	// Alive returns false once the client connection is gone.
	Alive() bool

	// Done is closed when the client connection is gone.
	Done() <-chan struct{}
}

// ContextLiveness adapts a context (typically the gin request context) to the
// Liveness interface.
type ContextLiveness struct {
	Ctx context.Context
}

// Alive implements Liveness.
func (l ContextLiveness) Alive() bool {
	select {
	case <-l.Ctx.Done():
		return false
	default:
		return true
	}
}

// Done implements Liveness.
func (l ContextLiveness) Done() <-chan struct{} {
	return l.Ctx.Done()
}

// StreamItem is one pre-serialized SSE payload produced by the emitter. Err
// is set on a terminal error envelope, in which case no [DONE] marker
// follows.
type StreamItem struct {
	Data []byte
	Err  error
}

// Result is the value a resolved future carries. Exactly one of JSON or
// Stream is set: JSON holds a complete chat-completion response body, Stream
// yields SSE chunk payloads until closed.
type Result struct {
	JSON   []byte
	Stream <-chan StreamItem
}

type outcome struct {
	result *Result
	err    error
}

// Future is the single-shot result channel of one envelope. It may be
// resolved at most once; later resolutions are ignored.
type Future struct {
	once sync.Once
	ch   chan outcome
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{ch: make(chan outcome, 1)}
}

// Resolve sets the successful result. Only the first resolution wins.
func (f *Future) Resolve(result *Result) {
	f.once.Do(func() {
		f.ch <- outcome{result: result}
	})
}

// Fail sets the terminal error. Only the first resolution wins.
func (f *Future) Fail(err error) {
	f.once.Do(func() {
		f.ch <- outcome{err: err}
	})
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case out := <-f.ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved reports whether the future already carries an outcome. Racy by
// nature; used only for best-effort bookkeeping.
func (f *Future) Resolved() bool {
	return len(f.ch) > 0
}

// Envelope is one queued user request and its resolution machinery.
type Envelope struct {
	// ReqID is the short opaque request id, immutable after creation.
	ReqID string

	// EnqueueTime records when the envelope entered the queue.
	EnqueueTime time.Time

	// RawJSON is the client's chat-completions request body.
	RawJSON []byte

	// Model is the requested model id.
	Model string

	// Stream is the client's stream flag.
	Stream bool

	// Liveness probes the originating HTTP connection.
	Liveness Liveness

	// Future is the single-shot result channel the HTTP handler awaits.
	Future *Future

	cancelled atomic.Bool
}

// NewEnvelope builds an envelope for a parsed request.
func NewEnvelope(rawJSON []byte, model string, stream bool, liveness Liveness) *Envelope {
	return &Envelope{
		ReqID:       uuid.NewString()[:8],
		EnqueueTime: time.Now(),
		RawJSON:     rawJSON,
		Model:       model,
		Stream:      stream,
		Liveness:    liveness,
		Future:      NewFuture(),
	}
}

// Cancel marks the envelope cancelled.
func (e *Envelope) Cancel() {
	e.cancelled.Store(true)
}

// Cancelled reports whether the envelope was cancelled.
func (e *Envelope) Cancelled() bool {
	return e.cancelled.Load()
}

// Queue is the FIFO of envelopes consumed by the worker.
type Queue struct {
	mu     sync.Mutex
	items  []*Envelope
	notify chan struct{}
	closed bool
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends an envelope. It returns false when the queue is closed.
func (q *Queue) Push(env *Envelope) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, env)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// PopWait removes and returns the head envelope, waiting up to timeout for
// one to arrive. The second return is false on timeout or closure.
func (q *Queue) PopWait(timeout time.Duration) (*Envelope, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-q.notify:
		case <-deadline.C:
			return nil, false
		}
	}
}

// Scan visits up to n head envelopes in FIFO order without removing them.
// The callback may mutate envelope flags but must not block.
func (q *Queue) Scan(n int, visit func(*Envelope)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < n && i < len(q.items); i++ {
		visit(q.items[i])
	}
}

// Find returns the queued envelope with the given id, or nil.
func (q *Queue) Find(reqID string) *Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, env := range q.items {
		if env.ReqID == reqID {
			return env
		}
	}
	return nil
}

// Snapshot returns a copy of the queued envelopes, head first.
func (q *Queue) Snapshot() []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Envelope, len(q.items))
	copy(out, q.items)
	return out
}

// Len reports the number of queued envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting new envelopes and returns whatever was still queued
// so the caller can resolve the orphaned futures.
func (q *Queue) Close() []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	orphans := q.items
	q.items = nil
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return orphans
}
