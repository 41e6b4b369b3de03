// Package emitter produces the user-facing response bytes. In streaming mode
// it consumes the stream bus, turns cumulative frames into OpenAI-shaped SSE
// chunks by computing prefix deltas, and finishes with a usage chunk ahead of
// the [DONE] marker. In non-streaming mode it drains the bus to completion
// and assembles one chat-completion JSON payload. A DOM-scraped text variant
// covers deployments running without the stream proxy.
package emitter

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/apierr"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/queue"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/streambus"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/usage"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/watchdog"
)

// DefaultIdleTimeout is how long the emitter tolerates an empty bus before
// synthesizing an internal_timeout terminal.
const DefaultIdleTimeout = 30 * time.Second

const (
	chunkTemplate    = `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	responseTemplate = `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":null},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	usageTemplate    = `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
)

// Emitter renders one request's response.
type Emitter struct {
	// ID is the chat-completion id shared by every chunk of the response.
	ID string

	// Model is echoed into every chunk.
	Model string

	// Created is the response timestamp.
	Created int64

	// PromptTokens is the heuristic prompt token count for the usage chunk.
	PromptTokens int

	// IdleTimeout bounds the wait for the next frame.
	IdleTimeout time.Duration

	// Budget bounds the whole response.
	Budget time.Duration

	// Usage optionally records per-model counters on completion.
	Usage *usage.Store
}

// New creates an emitter for one request.
func New(model string, promptTokens int, budget time.Duration, store *usage.Store) *Emitter {
	return &Emitter{
		ID:           "chatcmpl-" + uuid.NewString(),
		Model:        model,
		Created:      time.Now().Unix(),
		PromptTokens: promptTokens,
		IdleTimeout:  DefaultIdleTimeout,
		Budget:       budget,
		Usage:        store,
	}
}

// StreamFromBus starts the SSE generator goroutine. Items carry
// pre-serialized chunk payloads; a terminal item with Err set means the
// stream ended on an upstream error and no [DONE] marker may follow. The
// completion event is always set when the generator exits, and the generator
// itself exits as soon as the disconnect event fires.
func (e *Emitter) StreamFromBus(ctx context.Context, bus *streambus.Bus, disconnected, completion *watchdog.Event) <-chan queue.StreamItem {
	out := make(chan queue.StreamItem, 16)
	go func() {
		defer close(out)
		defer completion.Set()

		budget := time.NewTimer(e.budget())
		defer budget.Stop()

		var prev streambus.Frame
		completionTokens := 0
		for {
			frame, ok := e.nextFrame(ctx, bus, disconnected, budget.C)
			if !ok {
				if disconnected.IsSet() || ctx.Err() != nil {
					log.Debugf("%s: sse generator exiting on disconnect", e.ID)
					return
				}
				e.send(ctx, out, disconnected, queue.StreamItem{Err: internalTimeout()})
				return
			}
			if frame.Error != nil {
				e.send(ctx, out, disconnected, queue.StreamItem{Err: apierr.FromUpstream(frame.Error.Status, frame.Error.Message)})
				return
			}

			if delta := suffixOf(prev.Body, frame.Body); delta != "" {
				e.send(ctx, out, disconnected, queue.StreamItem{Data: e.deltaChunk("content", delta)})
			}
			if delta := suffixOf(prev.Reason, frame.Reason); delta != "" {
				e.send(ctx, out, disconnected, queue.StreamItem{Data: e.deltaChunk("reasoning_content", delta)})
			}
			prev = frame

			if frame.Done {
				finish := "stop"
				if len(frame.Functions) > 0 {
					finish = "tool_calls"
					e.send(ctx, out, disconnected, queue.StreamItem{Data: e.toolCallsChunk(frame.Functions)})
				}
				e.send(ctx, out, disconnected, queue.StreamItem{Data: e.finishChunk(finish)})
				completionTokens = usage.EstimateTokens(frame.Body + frame.Reason)
				e.send(ctx, out, disconnected, queue.StreamItem{Data: e.usageChunk(completionTokens)})
				e.record(completionTokens)
				return
			}
		}
	}()
	return out
}

// CollectFromBus drains frames until done and assembles the final JSON
// payload for a non-streaming request.
func (e *Emitter) CollectFromBus(ctx context.Context, bus *streambus.Bus, disconnected *watchdog.Event) ([]byte, error) {
	budget := time.NewTimer(e.budget())
	defer budget.Stop()

	for {
		frame, ok := e.nextFrame(ctx, bus, disconnected, budget.C)
		if !ok {
			if disconnected.IsSet() {
				return nil, apierr.New(apierr.KindClientDisconnected, "client disconnected while awaiting completion")
			}
			if ctx.Err() != nil {
				return nil, apierr.Wrap(apierr.KindServerError, ctx.Err(), "response collection aborted")
			}
			return nil, internalTimeout()
		}
		if frame.Error != nil {
			return nil, apierr.FromUpstream(frame.Error.Status, frame.Error.Message)
		}
		if frame.Done {
			completionTokens := usage.EstimateTokens(frame.Body + frame.Reason)
			e.record(completionTokens)
			return e.assembleResponse(frame, completionTokens), nil
		}
	}
}

// ResponseFromText builds the non-streaming payload from DOM-scraped text.
func (e *Emitter) ResponseFromText(text string) []byte {
	frame := streambus.Frame{Body: text, Done: true}
	completionTokens := usage.EstimateTokens(text)
	e.record(completionTokens)
	return e.assembleResponse(frame, completionTokens)
}

// StreamFromText emits a DOM-scraped response as a short SSE sequence: one
// content chunk, the finish chunk, and the usage chunk.
func (e *Emitter) StreamFromText(text string, completion *watchdog.Event) <-chan queue.StreamItem {
	out := make(chan queue.StreamItem, 4)
	go func() {
		defer close(out)
		defer completion.Set()
		if text != "" {
			out <- queue.StreamItem{Data: e.deltaChunk("content", text)}
		}
		out <- queue.StreamItem{Data: e.finishChunk("stop")}
		completionTokens := usage.EstimateTokens(text)
		out <- queue.StreamItem{Data: e.usageChunk(completionTokens)}
		e.record(completionTokens)
	}()
	return out
}

// nextFrame waits for the next frame, honoring the idle timeout, the overall
// budget, the disconnect event, and ctx.
func (e *Emitter) nextFrame(ctx context.Context, bus *streambus.Bus, disconnected *watchdog.Event, budget <-chan time.Time) (streambus.Frame, bool) {
	idle := e.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, idle)
	defer cancel()
	go func() {
		select {
		case <-disconnected.Done():
			cancel()
		case <-budget:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	return bus.Receive(waitCtx)
}

func (e *Emitter) send(ctx context.Context, out chan<- queue.StreamItem, disconnected *watchdog.Event, item queue.StreamItem) {
	select {
	case out <- item:
	case <-ctx.Done():
	case <-disconnected.Done():
	}
}

func (e *Emitter) base(template string) string {
	chunk, _ := sjson.Set(template, "id", e.ID)
	chunk, _ = sjson.Set(chunk, "created", e.Created)
	chunk, _ = sjson.Set(chunk, "model", e.Model)
	return chunk
}

func (e *Emitter) deltaChunk(field, text string) []byte {
	chunk := e.base(chunkTemplate)
	chunk, _ = sjson.Set(chunk, "choices.0.delta."+field, text)
	return []byte(chunk)
}

func (e *Emitter) finishChunk(reason string) []byte {
	chunk := e.base(chunkTemplate)
	chunk, _ = sjson.Set(chunk, "choices.0.finish_reason", reason)
	return []byte(chunk)
}

func (e *Emitter) toolCallsChunk(calls []streambus.FunctionCall) []byte {
	chunk := e.base(chunkTemplate)
	for i, call := range calls {
		args, err := json.Marshal(call.Params)
		if err != nil {
			log.Warnf("%s: failed to serialize tool-call arguments for %s: %v", e.ID, call.Name, err)
			args = []byte("{}")
		}
		prefix := "choices.0.delta.tool_calls." + strconv.Itoa(i)
		chunk, _ = sjson.Set(chunk, prefix+".index", i)
		chunk, _ = sjson.Set(chunk, prefix+".id", mintCallID())
		chunk, _ = sjson.Set(chunk, prefix+".type", "function")
		chunk, _ = sjson.Set(chunk, prefix+".function.name", call.Name)
		chunk, _ = sjson.Set(chunk, prefix+".function.arguments", string(args))
	}
	return []byte(chunk)
}

func (e *Emitter) usageChunk(completionTokens int) []byte {
	chunk := e.base(usageTemplate)
	chunk, _ = sjson.Set(chunk, "usage.prompt_tokens", e.PromptTokens)
	chunk, _ = sjson.Set(chunk, "usage.completion_tokens", completionTokens)
	chunk, _ = sjson.Set(chunk, "usage.total_tokens", e.PromptTokens+completionTokens)
	return []byte(chunk)
}

func (e *Emitter) assembleResponse(frame streambus.Frame, completionTokens int) []byte {
	resp := e.base(responseTemplate)
	if len(frame.Functions) > 0 {
		resp, _ = sjson.Set(resp, "choices.0.finish_reason", "tool_calls")
		for i, call := range frame.Functions {
			args, err := json.Marshal(call.Params)
			if err != nil {
				args = []byte("{}")
			}
			prefix := "choices.0.message.tool_calls." + strconv.Itoa(i)
			resp, _ = sjson.Set(resp, prefix+".id", mintCallID())
			resp, _ = sjson.Set(resp, prefix+".type", "function")
			resp, _ = sjson.Set(resp, prefix+".function.name", call.Name)
			resp, _ = sjson.Set(resp, prefix+".function.arguments", string(args))
		}
	} else {
		resp, _ = sjson.Set(resp, "choices.0.message.content", frame.Body)
	}
	if frame.Reason != "" {
		resp, _ = sjson.Set(resp, "choices.0.message.reasoning_content", frame.Reason)
	}
	resp, _ = sjson.Set(resp, "usage.prompt_tokens", e.PromptTokens)
	resp, _ = sjson.Set(resp, "usage.completion_tokens", completionTokens)
	resp, _ = sjson.Set(resp, "usage.total_tokens", e.PromptTokens+completionTokens)
	return []byte(resp)
}

func (e *Emitter) record(completionTokens int) {
	if e.Usage != nil {
		e.Usage.Record(e.Model, e.PromptTokens, completionTokens)
	}
}

func (e *Emitter) budget() time.Duration {
	if e.Budget <= 0 {
		return 5 * time.Minute
	}
	return e.Budget
}

func internalTimeout() *apierr.Error {
	return apierr.New(apierr.KindUpstreamError, "internal_timeout")
}

// suffixOf returns the part of next that extends prev. Frames are cumulative
// snapshots, so next normally has prev as prefix; a non-extending snapshot
// yields no delta.
func suffixOf(prev, next string) string {
	if len(next) > len(prev) && next[:len(prev)] == prev {
		return next[len(prev):]
	}
	return ""
}

func mintCallID() string {
	return "call_" + uuid.NewString()[:8]
}

