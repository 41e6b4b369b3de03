package api

import (
	"bytes"
	"io"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/logging"
)

// requestLoggingMiddleware captures request and response bodies to files
// when request logging is enabled. Disabled logging means zero overhead.
func requestLoggingMiddleware(logger *logging.FileRequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !logger.IsEnabled() {
			c.Next()
			return
		}

		var requestBody []byte
		if c.Request.Body != nil {
			requestBody, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(requestBody))
		}

		capture := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = capture
		c.Next()

		url := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			url += "?" + c.Request.URL.RawQuery
		}
		err := logger.LogExchange(url, c.Request.Method, c.Request.Header, requestBody,
			capture.Status(), capture.Header(), capture.body.Bytes())
		if err != nil {
			log.Warnf("request logging failed for %s: %v", url, err)
		}
	}
}

// captureWriter tees the response body into a buffer while writing through
// to the client, so streaming responses are logged as they flush.
type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(data []byte) (int, error) {
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
