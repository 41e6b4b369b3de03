// Package pipeline drives one request through the browser UI: readiness and
// model checks, parameter reconciliation, prompt fill, submission, and
// response harvesting. Every stage is bracketed by a disconnect checkpoint so
// an abandoned request stops consuming the UI session as early as possible.
// The pipeline always resolves the envelope's future, either with a result or
// with a classified error.
package pipeline

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/apierr"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/browser"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/emitter"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/models"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/queue"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/state"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/upload"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/usage"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/watchdog"
)

// Outcome is what the worker needs after a pipeline run: the completion
// event to wait on before reusing the UI session, the upload sandbox to
// destroy, and whether the result was handed off to a streaming generator.
type Outcome struct {
	// Completion fires once response emission finished. For non-streaming
	// runs it is already set when Process returns.
	Completion *watchdog.Event

	// Sandbox holds materialized attachments; destroyed by worker cleanup.
	Sandbox *upload.Sandbox

	// Streaming reports the future was resolved with a live SSE generator.
	Streaming bool

	// Err is the classified terminal error, nil on success. The same error
	// has already been set on the envelope's future.
	Err *apierr.Error
}

// Pipeline processes envelopes against the shared application state.
type Pipeline struct {
	state *state.AppState
}

// New creates a pipeline bound to the application state.
func New(st *state.AppState) *Pipeline {
	return &Pipeline{state: st}
}

// Process runs one envelope end to end. The envelope's future is always
// resolved when Process returns; on failure the error has already been
// classified and set.
func (p *Pipeline) Process(ctx context.Context, env *queue.Envelope, monitor *watchdog.Monitor) *Outcome {
	out := &Outcome{
		Completion: watchdog.NewEvent(),
		Sandbox:    upload.NewSandbox(p.state.SandboxDir, env.ReqID),
	}
	if err := p.run(ctx, env, monitor, out); err != nil {
		classified := apierr.Classify(err)
		if classified.Kind != apierr.KindClientDisconnected {
			log.Warnf("[%s] request failed: %v", env.ReqID, classified)
		}
		env.Future.Fail(classified)
		out.Err = classified
	}
	if !out.Streaming {
		out.Completion.Set()
	}
	return out
}

func (p *Pipeline) run(ctx context.Context, env *queue.Envelope, monitor *watchdog.Monitor, out *Outcome) error {
	if err := monitor.Check("start"); err != nil {
		return err
	}

	sess := p.state.Session
	if sess == nil || !sess.Ready() {
		return apierr.New(apierr.KindServiceUnavailable, "browser session not ready")
	}

	model := env.Model
	if model == "" {
		model = p.state.Cfg.DefaultModel
	}
	if err := p.ensureModel(ctx, sess, model); err != nil {
		return err
	}
	if err := monitor.Check("model-switch"); err != nil {
		return err
	}

	p.reconcileParams(ctx, sess, env, model)
	if err := monitor.Check("params"); err != nil {
		return err
	}

	promptText, err := buildPrompt(env.RawJSON)
	if err != nil {
		return apierr.Wrap(apierr.KindBadRequest, err, "failed to assemble prompt")
	}
	if err = p.attach(ctx, sess, env, out.Sandbox); err != nil {
		return err
	}
	if err = sess.FillPrompt(ctx, promptText); err != nil {
		return apierr.Wrap(apierr.KindServerError, err, "failed to fill prompt")
	}
	if err = monitor.Check("prompt"); err != nil {
		return err
	}

	if err = p.submit(ctx, env.ReqID, sess); err != nil {
		return err
	}
	if err = monitor.Check("submitted"); err != nil {
		return err
	}

	return p.harvest(ctx, env, monitor, out, promptText, model)
}

// ensureModel brings the UI onto the requested model. The switch lock
// serializes the local-storage write and the page reload it triggers; a
// failed or unconfirmed switch is rolled back to the previous model before
// the request fails.
func (p *Pipeline) ensureModel(ctx context.Context, sess browser.Session, model string) error {
	current := sess.CurrentModel()
	if current == model {
		p.state.Params.EnsureModel(model)
		return nil
	}
	if !p.state.Catalogue.Contains(model) {
		return apierr.New(apierr.KindBadRequest, "unknown model %q", model)
	}

	p.state.ModelSwitchLock.Lock()
	defer p.state.ModelSwitchLock.Unlock()

	if err := sess.SwitchModel(ctx, model); err != nil {
		p.restoreModel(ctx, sess, current)
		return apierr.Wrap(apierr.KindUnprocessable, err, "failed to switch model to %s", model)
	}
	if live := sess.CurrentModel(); live != model {
		p.restoreModel(ctx, sess, current)
		return apierr.New(apierr.KindUnprocessable, "model switch to %s not reflected by the UI (still %s)", model, live)
	}

	// The reload reset every displayed parameter.
	p.state.Params.InvalidateAll()
	p.state.Params.EnsureModel(model)
	return nil
}

func (p *Pipeline) restoreModel(ctx context.Context, sess browser.Session, previous string) {
	if previous == "" {
		return
	}
	if err := sess.SwitchModel(ctx, previous); err != nil {
		log.Warnf("failed to restore model %s after aborted switch: %v", previous, err)
	}
}

// reconcileParams applies the request's generation parameters through the
// cache. Each applied value is read back; a mismatch invalidates the cache
// entry so the next request re-applies instead of trusting a stale value.
// Parameter failures are logged but never fail the request.
func (p *Pipeline) reconcileParams(ctx context.Context, sess browser.Session, env *queue.Envelope, model string) {
	capability, _ := models.CapabilityFor(model)
	cache := p.state.Params
	cache.EnsureModel(model)

	for _, param := range desiredParams(env.RawJSON, p.state.Cfg, capability) {
		if cached, ok := cache.Get(param.name); ok && cached == param.value {
			continue
		}
		if err := sess.ApplyParam(ctx, param.name, param.value); err != nil {
			log.Warnf("[%s] failed to apply %s=%s: %v", env.ReqID, param.name, param.value, err)
			cache.Invalidate(param.name)
			continue
		}
		got, err := sess.ReadParam(ctx, param.name)
		if err != nil || got != param.value {
			log.Warnf("[%s] %s verify mismatch: wanted %q, UI shows %q (%v)", env.ReqID, param.name, param.value, got, err)
			cache.Invalidate(param.name)
			continue
		}
		cache.Set(param.name, param.value)
	}
}

// attach materializes the request's attachment references into the sandbox
// and hands the resulting paths to the UI.
func (p *Pipeline) attach(ctx context.Context, sess browser.Session, env *queue.Envelope, sandbox *upload.Sandbox) error {
	refs := attachmentRefs(env.RawJSON)
	if len(refs) == 0 {
		return nil
	}
	for _, ref := range refs {
		if _, err := sandbox.Add(ref); err != nil {
			return apierr.Wrap(apierr.KindBadRequest, err, "invalid attachment")
		}
	}
	if err := sess.AttachFiles(ctx, sandbox.Files()); err != nil {
		return apierr.Wrap(apierr.KindServerError, err, "failed to attach files")
	}
	return nil
}

// submit tries the submission strategies in order: clicking the submit
// button, plain Enter, then Ctrl/Meta+Enter.
func (p *Pipeline) submit(ctx context.Context, reqID string, sess browser.Session) error {
	err := sess.ClickSubmit(ctx)
	if err == nil {
		return nil
	}
	log.Debugf("[%s] submit click failed, trying Enter: %v", reqID, err)
	if err = sess.SubmitWithEnter(ctx); err == nil {
		return nil
	}
	log.Debugf("[%s] Enter submit failed, trying mod+Enter: %v", reqID, err)
	if err = sess.SubmitWithModEnter(ctx); err != nil {
		return apierr.Wrap(apierr.KindServerError, err, "all submission strategies failed")
	}
	return nil
}

// harvest collects the response. With the stream proxy active the stream bus
// carries parsed frames; otherwise the finished response is scraped from the
// DOM after the UI settles.
func (p *Pipeline) harvest(ctx context.Context, env *queue.Envelope, monitor *watchdog.Monitor, out *Outcome, promptText, model string) error {
	em := emitter.New(model, usage.EstimateTokens(promptText), p.state.Cfg.CompletionTimeout(), p.state.Usage)

	if p.state.Cfg.StreamProxyEnabled() {
		if env.Stream {
			monitor.SetCompletion(out.Completion)
			stream := em.StreamFromBus(ctx, p.state.Bus, monitor.Disconnected(), out.Completion)
			out.Streaming = true
			env.Future.Resolve(&queue.Result{Stream: stream})
			return nil
		}
		body, err := em.CollectFromBus(ctx, p.state.Bus, monitor.Disconnected())
		if err != nil {
			return err
		}
		env.Future.Resolve(&queue.Result{JSON: body})
		return nil
	}

	if err := p.state.Session.WaitDone(ctx, p.state.Cfg.CompletionTimeout()); err != nil {
		return apierr.Wrap(apierr.KindGatewayTimeout, err, "completion wait exceeded budget")
	}
	text, err := p.state.Session.ScrapeResponse(ctx)
	if err != nil {
		return apierr.Wrap(apierr.KindServerError, err, "failed to extract finished response")
	}
	if env.Stream {
		monitor.SetCompletion(out.Completion)
		out.Streaming = true
		env.Future.Resolve(&queue.Result{Stream: em.StreamFromText(text, out.Completion)})
		return nil
	}
	env.Future.Resolve(&queue.Result{JSON: em.ResponseFromText(text)})
	return nil
}
