// Package worker runs the single queue-consumer loop. Exactly one request
// at a time drives the browser session: the worker pops the next live
// envelope, runs the pipeline under the processing lock, waits for response
// emission to finish, and restores the UI to a clean state before touching
// the next request. A short cooldown after each streamed response gives the
// page time to settle.
package worker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/apierr"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/pipeline"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/queue"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/snapshot"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/state"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/watchdog"
)

const (
	// DefaultCooldown is the pause after a streamed response before the
	// next request may start.
	DefaultCooldown = 1 * time.Second

	// headScanDepth is how many queued envelopes the dead-client sweep
	// inspects before each pop.
	headScanDepth = 10

	// popWait bounds each blocking pop so the loop keeps sweeping the
	// queue head and noticing shutdown.
	popWait = 1 * time.Second

	// completionGrace extends the per-request budget when waiting for the
	// streaming generator to finish delivering.
	completionGrace = 60 * time.Second

	// cleanupTimeout bounds the post-request UI reset.
	cleanupTimeout = 15 * time.Second
)

// Worker is the queue consumer.
type Worker struct {
	state    *state.AppState
	pipe     *pipeline.Pipeline
	cooldown time.Duration

	stop    chan struct{}
	stopped chan struct{}

	wasStreaming bool
	lastFinish   time.Time
}

// New creates a worker over the shared application state.
func New(st *state.AppState) *Worker {
	return &Worker{
		state:    st,
		pipe:     pipeline.New(st),
		cooldown: DefaultCooldown,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the consumer loop.
func (w *Worker) Start() {
	go w.run()
}

// Stop signals the loop to exit and waits for it. Queued envelopes are not
// resolved here; closing the queue and failing its orphans is the
// orchestrator's job.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.stopped
}

func (w *Worker) run() {
	w.state.WorkerAlive.Store(true)
	defer w.state.WorkerAlive.Store(false)
	defer close(w.stopped)
	log.Info("queue worker started")

	for {
		select {
		case <-w.stop:
			log.Info("queue worker stopping")
			return
		default:
		}

		w.reapDead()

		env, ok := w.state.Queue.PopWait(popWait)
		if !ok {
			continue
		}
		if env.Cancelled() {
			env.Future.Fail(apierr.New(apierr.KindUserCancelled, "request cancelled while queued"))
			continue
		}
		if !env.Liveness.Alive() {
			env.Future.Fail(apierr.New(apierr.KindClientDisconnected, "client disconnected while queued"))
			continue
		}
		w.process(env)
	}
}

// reapDead sweeps the queue head, cancelling envelopes whose client already
// went away so they never reach the UI session.
func (w *Worker) reapDead() {
	w.state.Queue.Scan(headScanDepth, func(env *queue.Envelope) {
		if env.Cancelled() || env.Liveness.Alive() {
			return
		}
		env.Cancel()
		env.Future.Fail(apierr.New(apierr.KindClientDisconnected, "client disconnected while queued"))
		log.Debugf("[%s] reaped dead-client envelope from queue head", env.ReqID)
	})
}

func (w *Worker) process(env *queue.Envelope) {
	w.coolOff(env.Stream)

	w.state.ProcessingLock.Lock()
	w.state.Processing.Store(true)
	defer func() {
		w.state.Processing.Store(false)
		w.state.ProcessingLock.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := watchdog.NewMonitor(env)
	monitor.Start()

	log.Infof("[%s] processing request for model %q (stream=%t)", env.ReqID, env.Model, env.Stream)
	out := w.pipe.Process(ctx, env, monitor)

	w.awaitEmission(env, out, cancel)
	monitor.Stop()

	if out.Err != nil && shouldSnapshot(out.Err.Kind) {
		if _, err := snapshot.Capture(w.state.Cfg.LogDir, env.ReqID, out.Err.Message, w.state.Session); err != nil {
			log.Warnf("[%s] snapshot capture failed: %v", env.ReqID, err)
		}
	}

	w.cleanup(env, out)
	w.wasStreaming = out.Streaming
	w.lastFinish = time.Now()
}

// shouldSnapshot reports whether a pipeline failure of the given kind is a
// page-state problem worth a diagnostic capture. Client-side outcomes
// (cancel, disconnect, bad request) are not.
func shouldSnapshot(kind apierr.Kind) bool {
	switch kind {
	case apierr.KindServerError, apierr.KindUpstreamError, apierr.KindQuotaExceeded, apierr.KindUnprocessable:
		return true
	}
	return false
}

// coolOff enforces the pause between consecutive streamed responses. A
// non-streaming neighbour on either side starts immediately.
func (w *Worker) coolOff(nextStream bool) {
	if !w.wasStreaming || !nextStream {
		return
	}
	if elapsed := time.Since(w.lastFinish); elapsed < w.cooldown {
		time.Sleep(w.cooldown - elapsed)
	}
}

// awaitEmission blocks until the response generator signals completion. The
// wait is bounded by the per-request budget plus grace; on overrun the
// pipeline context is cancelled to force the generator down.
func (w *Worker) awaitEmission(env *queue.Envelope, out *pipeline.Outcome, cancel context.CancelFunc) {
	wait := w.state.Cfg.CompletionTimeout() + completionGrace
	if out.Completion.WaitTimeout(wait) {
		return
	}
	log.Warnf("[%s] emission did not finish within %s, forcing teardown", env.ReqID, wait)
	cancel()
	out.Completion.WaitTimeout(5 * time.Second)
}

// cleanup restores shared state after every request, successful or not:
// stale frames are drained off the bus, the upload sandbox is removed, and
// the UI is quiesced and cleared. The quiesce step is skipped when the
// client already disconnected.
func (w *Worker) cleanup(env *queue.Envelope, out *pipeline.Outcome) {
	if n := w.state.Bus.Drain(); n > 0 {
		log.Debugf("[%s] drained %d stale frames off the stream bus", env.ReqID, n)
	}
	out.Sandbox.Destroy()

	sess := w.state.Session
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	// A departed client never sees the tail of the response, so there is no
	// generation left worth waiting out; go straight to clearing the chat.
	if out.Err == nil || out.Err.Kind != apierr.KindClientDisconnected {
		if err := sess.QuiesceGenerateButton(ctx); err != nil {
			log.Debugf("[%s] generate-button quiesce failed: %v", env.ReqID, err)
		}
	}
	if err := sess.ClearChat(ctx); err != nil {
		log.Debugf("[%s] chat clear failed: %v", env.ReqID, err)
	}
}
