// Package watchdog detects that the originating HTTP client has gone away
// and propagates that fact everywhere a pipeline stage could otherwise block
// indefinitely. For each accepted request a background probe polls the
// client's liveness at a short cadence; on detection it sets a shared
// disconnected event, fails the unresolved result future with a
// client-disconnect error, and sets the streaming completion event so the
// SSE generator can exit. Every pipeline stage calls Check("<stage>") as a
// cancellation checkpoint.
package watchdog

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/apierr"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/queue"
)

// DefaultProbeInterval is the liveness poll cadence.
const DefaultProbeInterval = 300 * time.Millisecond

// Event is a set-once signal usable as a completion flag.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

// NewEvent creates an unset event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set fires the event. Later calls are no-ops.
func (e *Event) Set() {
	e.once.Do(func() { close(e.ch) })
}

// IsSet reports whether the event fired.
func (e *Event) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the event fires.
func (e *Event) Done() <-chan struct{} {
	return e.ch
}

// WaitTimeout blocks until the event fires or the timeout elapses, reporting
// whether the event fired.
func (e *Event) WaitTimeout(timeout time.Duration) bool {
	select {
	case <-e.ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Monitor is the per-request disconnect watchdog.
type Monitor struct {
	reqID    string
	liveness queue.Liveness
	future   *queue.Future
	interval time.Duration

	disconnected *Event
	stop         chan struct{}
	stopOnce     sync.Once

	mu         sync.Mutex
	completion *Event
}

// NewMonitor creates a monitor for one envelope. Start must be called to
// begin probing.
func NewMonitor(env *queue.Envelope) *Monitor {
	return &Monitor{
		reqID:        env.ReqID,
		liveness:     env.Liveness,
		future:       env.Future,
		interval:     DefaultProbeInterval,
		disconnected: NewEvent(),
		stop:         make(chan struct{}),
	}
}

// SetCompletion registers the streaming completion event the monitor must
// set on disconnect.
func (m *Monitor) SetCompletion(event *Event) {
	m.mu.Lock()
	m.completion = event
	m.mu.Unlock()
	// The client may already be gone by the time streaming starts.
	if m.disconnected.IsSet() && event != nil {
		event.Set()
	}
}

// Start launches the probe goroutine.
func (m *Monitor) Start() {
	go m.run()
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			// Cancellation is swallowed silently.
			return
		case <-m.liveness.Done():
			m.trigger()
			return
		case <-ticker.C:
			if !m.liveness.Alive() {
				m.trigger()
				return
			}
		}
	}
}

func (m *Monitor) trigger() {
	log.Debugf("[%s] client disconnected, tearing down request", m.reqID)
	m.disconnected.Set()
	if m.future != nil {
		m.future.Fail(apierr.New(apierr.KindClientDisconnected, "client disconnected"))
	}
	m.mu.Lock()
	completion := m.completion
	m.mu.Unlock()
	if completion != nil {
		completion.Set()
	}
}

// Stop cancels the probe. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Disconnected returns the shared disconnect event.
func (m *Monitor) Disconnected() *Event {
	return m.disconnected
}

// Check is the checkpoint every pipeline stage calls. It returns a
// client-disconnect error once the event is set; stages are written so that
// failing at any checkpoint leaves the UI session recoverable.
func (m *Monitor) Check(stage string) error {
	if m.disconnected.IsSet() {
		return apierr.New(apierr.KindClientDisconnected, "client disconnected at %s", stage)
	}
	return nil
}
