// Package streambus provides the bounded in-process FIFO that carries parsed
// response frames from the stream proxy to the response emitter. Exactly one
// producer and one consumer are active at a time; the queue worker drains the
// bus at request boundaries so frames can never leak between requests.
package streambus

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// FunctionCall is one accumulated tool call observed in the provider stream.
type FunctionCall struct {
	// Name is the tool name announced by the provider.
	Name string `json:"name"`

	// Params holds the decoded tool arguments.
	Params map[string]any `json:"params"`
}

// FrameError describes an upstream failure carried through the bus.
type FrameError struct {
	// Status is the upstream HTTP status code, when known.
	Status int `json:"status"`

	// Message is the provider error text.
	Message string `json:"message"`
}

// Frame is one parsed unit describing the response state so far. Body and
// Reason are cumulative snapshots, not deltas; the emitter computes deltas by
// comparing consecutive frames.
type Frame struct {
	// Body is the concatenation of all text deltas observed so far.
	Body string `json:"body"`

	// Reason is the concatenation of all thinking deltas observed so far.
	Reason string `json:"reason"`

	// Functions is the accumulated list of tool calls.
	Functions []FunctionCall `json:"function"`

	// Done is true once the provider signalled end-of-message.
	Done bool `json:"done"`

	// Error carries an upstream failure, if one was observed.
	Error *FrameError `json:"error,omitempty"`
}

// Equal reports whether two frames describe the same response state. The
// proxy uses it to suppress republication of unchanged snapshots.
func (f Frame) Equal(other Frame) bool {
	if f.Body != other.Body || f.Reason != other.Reason || f.Done != other.Done {
		return false
	}
	if len(f.Functions) != len(other.Functions) {
		return false
	}
	if (f.Error == nil) != (other.Error == nil) {
		return false
	}
	if f.Error != nil && *f.Error != *other.Error {
		return false
	}
	return true
}

// Bus is the bounded frame FIFO. Publish blocks when the bus is full;
// dropping a frame is never permitted because a lost token would corrupt the
// client-visible response.
type Bus struct {
	frames chan Frame
}

// New creates a bus holding at most capacity frames.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 64
	}
	return &Bus{frames: make(chan Frame, capacity)}
}

// Publish enqueues a frame, blocking until space is available or ctx is
// cancelled. It returns false when the context ended before the frame could
// be enqueued.
func (b *Bus) Publish(ctx context.Context, frame Frame) bool {
	select {
	case b.frames <- frame:
		return true
	case <-ctx.Done():
		log.Debugf("stream bus publish abandoned: %v", ctx.Err())
		return false
	}
}

// Receive blocks until a frame is available or ctx is cancelled.
func (b *Bus) Receive(ctx context.Context) (Frame, bool) {
	select {
	case frame := <-b.frames:
		return frame, true
	case <-ctx.Done():
		return Frame{}, false
	}
}

// TryReceive returns the next frame without blocking.
func (b *Bus) TryReceive() (Frame, bool) {
	select {
	case frame := <-b.frames:
		return frame, true
	default:
		return Frame{}, false
	}
}

// Drain discards all buffered frames and returns how many were removed. The
// worker calls it before and after each request.
func (b *Bus) Drain() int {
	removed := 0
	for {
		select {
		case <-b.frames:
			removed++
		default:
			if removed > 0 {
				log.Debugf("stream bus drained %d stale frame(s)", removed)
			}
			return removed
		}
	}
}

// Len reports the number of buffered frames.
func (b *Bus) Len() int {
	return len(b.frames)
}
