// Package parser turns the provider's opaque wire bytes into structured
// response frames. The input is an HTTP/1.1 chunked body carrying a deflate
// stream, which in turn carries the provider's array-encoded streaming
// protocol: nested JSON arrays of shape [[[null, …]], "model"]. Parsing is
// cumulative — the caller keeps appending received bytes to one buffer and
// re-invokes Parse over the whole buffer, so the same deltas may be observed
// repeatedly; the emitter is responsible for delta-ing.
package parser

import (
	"encoding/json"
	"regexp"

	log "github.com/sirupsen/logrus"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/streambus"
)

// reEnvelope captures one payload envelope out of the inflated buffer. The
// match is non-greedy so partially transferred envelopes at the tail of the
// buffer fail JSON decoding and are skipped until they complete.
var reEnvelope = regexp.MustCompile(`\[\[\[null,.*?\]\],\s*"model"\]`)

// Parse decodes the accumulated wire buffer into a frame. Body and Reason
// are snapshots over everything decoded so far; Done becomes true only when
// the chunked body's terminating marker was seen.
func Parse(wire []byte) (streambus.Frame, error) {
	var frame streambus.Frame

	decoded, done := DecodeChunked(wire)
	frame.Done = done
	if len(decoded) == 0 {
		return frame, nil
	}

	inflated, err := Inflate(decoded)
	if err != nil {
		return frame, err
	}
	if len(inflated) == 0 {
		return frame, nil
	}

	for _, match := range reEnvelope.FindAll(inflated, -1) {
		var envelope []any
		if errUnmarshal := json.Unmarshal(match, &envelope); errUnmarshal != nil {
			// The regex matched a still-incomplete envelope; skip silently.
			continue
		}
		applyEnvelope(&frame, envelope)
	}
	return frame, nil
}

// applyEnvelope folds one decoded envelope into the frame. The payload sits
// at envelope[0][0]; its length selects the interpretation.
func applyEnvelope(frame *streambus.Frame, envelope []any) {
	if len(envelope) == 0 {
		return
	}
	outer, ok := envelope[0].([]any)
	if !ok || len(outer) == 0 {
		return
	}
	payload, ok := outer[0].([]any)
	if !ok {
		return
	}

	switch {
	case len(payload) == 2:
		// Text delta.
		if text, okText := payload[1].(string); okText {
			frame.Body += text
		}
	case len(payload) == 11 && payload[1] == nil:
		// Tool-call envelope: payload[10] is [name, params_list].
		call, okCall := payload[10].([]any)
		if !okCall || len(call) < 2 {
			log.Debugf("tool-call envelope with malformed slot 10: %d elements", len(payload))
			return
		}
		name, _ := call[0].(string)
		paramsList, _ := call[1].([]any)
		params, err := DecodeToolParams(paramsList)
		if err != nil {
			log.Warnf("tool-call %q parameter decode failed: %v", name, err)
			return
		}
		frame.Functions = append(frame.Functions, streambus.FunctionCall{Name: name, Params: params})
	default:
		// Remaining shapes carry thinking text at index 1.
		if len(payload) > 1 {
			if text, okText := payload[1].(string); okText {
				frame.Reason += text
			}
		}
	}
}
