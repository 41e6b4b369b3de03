package logging

import (
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// AccessLog returns the gin middleware writing one access-log line per
// request through logrus, leveled by response status. The key query
// parameter accepted by the auth middleware is masked before the request
// target is logged.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := log.WithFields(log.Fields{
			"status":  status,
			"latency": time.Since(start).Truncate(time.Millisecond).String(),
			"client":  c.ClientIP(),
			"method":  c.Request.Method,
		})
		if private := c.Errors.ByType(gin.ErrorTypePrivate).String(); private != "" {
			entry = entry.WithField("errors", private)
		}

		target := requestTarget(c.Request.URL)
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(target)
		case status >= http.StatusBadRequest:
			entry.Warn(target)
		default:
			entry.Info(target)
		}
	}
}

// requestTarget renders the path plus query with credential values masked.
func requestTarget(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	query := u.Query()
	if query.Has("key") {
		query.Set("key", "[REDACTED]")
		return u.Path + "?" + query.Encode()
	}
	return u.Path + "?" + u.RawQuery
}

// Recovery converts handler panics into plain 500 responses and logs the
// stack so the request that blew up can be found in the main log.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.WithFields(log.Fields{
			"path":  c.Request.URL.Path,
			"stack": string(debug.Stack()),
		}).Errorf("panic in handler: %v", recovered)
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
