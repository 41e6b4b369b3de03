package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/apierr"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/queue"
)

// ChatCompletions handles POST /v1/chat/completions. The request is
// validated, queued, and the handler blocks on the result future; streaming
// results are relayed chunk by chunk as server-sent events.
func (s *Server) ChatCompletions(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		writeError(c, apierr.Wrap(apierr.KindBadRequest, err, "failed to read request body"))
		return
	}
	if verr := s.validateChatRequest(raw); verr != nil {
		writeError(c, verr)
		return
	}

	model := gjson.GetBytes(raw, "model").String()
	stream := gjson.GetBytes(raw, "stream").Bool()

	env := queue.NewEnvelope(raw, model, stream, queue.ContextLiveness{Ctx: c.Request.Context()})
	if !s.state.Queue.Push(env) {
		writeError(c, apierr.New(apierr.KindServiceUnavailable, "gateway is shutting down"))
		return
	}
	log.Infof("[%s] request queued (model=%q stream=%t queue=%d)", env.ReqID, model, stream, s.state.Queue.Len())

	result, err := env.Future.Wait(c.Request.Context())
	if err != nil {
		ge := apierr.Classify(err)
		if ge.Kind == apierr.KindClientDisconnected || c.Request.Context().Err() != nil {
			// Nobody left to answer.
			c.Abort()
			return
		}
		writeError(c, ge)
		return
	}

	if result.Stream != nil {
		s.writeSSE(c, env.ReqID, result.Stream)
		return
	}
	c.Data(http.StatusOK, "application/json", result.JSON)
}

// writeSSE relays pre-serialized chunks to the client. The response status
// is decided by the first item: a terminal error before any chunk becomes a
// plain error response, while a mid-stream error is delivered as a final
// data event without the [DONE] marker.
func (s *Server) writeSSE(c *gin.Context, reqID string, stream <-chan queue.StreamItem) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, apierr.New(apierr.KindServerError, "streaming unsupported by connection"))
		return
	}

	headerSent := false
	sendHeader := func() {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.WriteHeader(http.StatusOK)
		headerSent = true
	}

	for item := range stream {
		if item.Err != nil {
			ge := apierr.Classify(item.Err)
			log.Warnf("[%s] stream terminated: %v", reqID, ge)
			if !headerSent {
				writeError(c, ge)
				return
			}
			_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", errorBody(ge))
			flusher.Flush()
			return
		}
		if !headerSent {
			sendHeader()
		}
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", item.Data)
		flusher.Flush()
	}

	if !headerSent {
		sendHeader()
	}
	_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

// OpenAIModels handles GET /v1/models with the catalogue parsed from the UI.
func (s *Server) OpenAIModels(c *gin.Context) {
	created := time.Now().Unix()
	data := make([]gin.H, 0)
	for _, m := range s.state.Catalogue.List() {
		data = append(data, gin.H{
			"id":       m.ID,
			"object":   "model",
			"created":  created,
			"owned_by": "google",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// validateChatRequest enforces the request schema before anything is queued:
// valid JSON, a non-empty messages array with at least one non-system turn
// carrying content, and a known model when one is named.
func (s *Server) validateChatRequest(raw []byte) *apierr.Error {
	if !gjson.ValidBytes(raw) {
		return apierr.New(apierr.KindBadRequest, "request body is not valid JSON")
	}
	messages := gjson.GetBytes(raw, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return apierr.New(apierr.KindBadRequest, "messages must be a non-empty array")
	}

	hasContent := false
	hasNonSystem := false
	messages.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		if role != "system" && role != "developer" {
			hasNonSystem = true
		}
		if messageHasContent(msg) {
			hasContent = true
		}
		return true
	})
	if !hasNonSystem {
		return apierr.New(apierr.KindBadRequest, "at least one non-system message is required")
	}
	if !hasContent {
		return apierr.New(apierr.KindBadRequest, "prompt is empty")
	}

	model := gjson.GetBytes(raw, "model").String()
	if model != "" && !s.state.Catalogue.Empty() && !s.state.Catalogue.Contains(model) {
		return apierr.New(apierr.KindBadRequest, "unknown model %q", model)
	}
	return nil
}

func messageHasContent(msg gjson.Result) bool {
	if msg.Get("tool_calls").Exists() {
		return true
	}
	content := msg.Get("content")
	if content.Type == gjson.String {
		return strings.TrimSpace(content.String()) != ""
	}
	if !content.IsArray() {
		return false
	}
	found := false
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			if strings.TrimSpace(part.Get("text").String()) != "" {
				found = true
			}
		case "image_url", "file":
			found = true
		}
		return !found
	})
	return found
}
