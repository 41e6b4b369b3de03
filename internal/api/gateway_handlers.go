package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/apierr"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/models"
)

// Root handles GET / with a short service banner.
func (s *Server) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "AI Studio Proxy API",
		"endpoints": []string{
			"POST /v1/chat/completions",
			"GET /v1/models",
			"POST /v1/cancel/{req_id}",
			"GET /v1/queue",
			"GET /api/model-capabilities",
			"GET /api/usage",
			"GET /health",
		},
	})
}

// Health handles GET /health. It reports 200 once startup completed and the
// queue worker is alive, 503 otherwise.
func (s *Server) Health(c *gin.Context) {
	details := gin.H{
		"initialized":  s.state.Initialized.Load(),
		"worker_alive": s.state.WorkerAlive.Load(),
		"processing":   s.state.Processing.Load(),
		"queue_length": s.state.Queue.Len(),
	}
	if !s.state.Healthy() {
		details["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, details)
		return
	}
	details["status"] = "ok"
	c.JSON(http.StatusOK, details)
}

// Cancel handles POST /v1/cancel/{req_id}. Only requests still waiting in
// the queue can be cancelled; the in-flight request and unknown ids yield
// 404.
func (s *Server) Cancel(c *gin.Context) {
	reqID := c.Param("req_id")
	env := s.state.Queue.Find(reqID)
	if env == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"message": "no queued request with id " + reqID, "type": "invalid_request_error"},
		})
		return
	}
	env.Cancel()
	env.Future.Fail(apierr.New(apierr.KindUserCancelled, "request cancelled by user"))
	log.Infof("[%s] cancelled while queued", reqID)
	c.JSON(http.StatusOK, gin.H{"cancelled": true, "req_id": reqID})
}

// QueueSnapshot handles GET /v1/queue.
func (s *Server) QueueSnapshot(c *gin.Context) {
	now := time.Now()
	items := make([]gin.H, 0)
	for _, env := range s.state.Queue.Snapshot() {
		items = append(items, gin.H{
			"req_id":       env.ReqID,
			"model":        env.Model,
			"stream":       env.Stream,
			"cancelled":    env.Cancelled(),
			"wait_seconds": now.Sub(env.EnqueueTime).Seconds(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"queue_length": len(items),
		"processing":   s.state.Processing.Load(),
		"items":        items,
	})
}

// ModelCapabilities handles GET /api/model-capabilities with the whole
// capability table.
func (s *Server) ModelCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, models.Capabilities())
}

// ModelCapabilityByID handles GET /api/model-capabilities/{model}.
func (s *Server) ModelCapabilityByID(c *gin.Context) {
	modelID := c.Param("model")
	capability, ok := models.CapabilityFor(modelID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"message": "no capability entry for model " + modelID, "type": "invalid_request_error"},
		})
		return
	}
	c.JSON(http.StatusOK, capability)
}

// Usage handles GET /api/usage with the persisted per-model counters.
func (s *Server) Usage(c *gin.Context) {
	if s.state.Usage == nil {
		c.JSON(http.StatusOK, gin.H{"models": gin.H{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": s.state.Usage.Totals()})
}

// writeError renders a classified error in the OpenAI error envelope with
// the kind's status code.
func writeError(c *gin.Context, e *apierr.Error) {
	c.JSON(e.Kind.HTTPStatus(), gin.H{
		"error": gin.H{
			"message": e.Message,
			"type":    e.Kind.String(),
			"code":    e.Kind.HTTPStatus(),
		},
	})
}

// errorBody renders the same envelope as raw JSON for mid-stream delivery.
func errorBody(e *apierr.Error) []byte {
	body, err := json.Marshal(gin.H{
		"error": gin.H{
			"message": e.Message,
			"type":    e.Kind.String(),
			"code":    e.Kind.HTTPStatus(),
		},
	})
	if err != nil {
		return []byte(`{"error":{"message":"internal error","type":"server_error"}}`)
	}
	return body
}
