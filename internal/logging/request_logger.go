// Package logging provides the shared logrus setup, Gin access logging, and
// optional request/response capture to files. Request capture is a debugging
// aid toggled through configuration and can be flipped at runtime by the
// config watcher.
package logging

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// maxCapturedBody bounds how much of a body is written per log file.
const maxCapturedBody = 1 << 20

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// FileRequestLogger writes one file per captured request under the logs
// directory.
type FileRequestLogger struct {
	mu      sync.Mutex
	enabled bool
	logsDir string
}

// NewFileRequestLogger creates a file-based request logger.
func NewFileRequestLogger(enabled bool, logsDir string) *FileRequestLogger {
	return &FileRequestLogger{enabled: enabled, logsDir: logsDir}
}

// IsEnabled reports whether request capture is currently on.
func (l *FileRequestLogger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// SetEnabled flips request capture at runtime.
func (l *FileRequestLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// LogExchange writes one request/response cycle to its own file. Errors are
// returned for the caller to log; capture never interferes with the
// response itself.
func (l *FileRequestLogger) LogExchange(url, method string, requestHeaders http.Header, requestBody []byte, status int, responseHeaders http.Header, responseBody []byte) error {
	if !l.IsEnabled() {
		return nil
	}
	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("=== REQUEST %s ===\n", time.Now().Format(time.RFC3339Nano)))
	b.WriteString(fmt.Sprintf("%s %s\n", method, url))
	writeHeaders(&b, requestHeaders)
	b.WriteString("\n")
	b.Write(truncateBody(requestBody))
	b.WriteString(fmt.Sprintf("\n\n=== RESPONSE %d ===\n", status))
	writeHeaders(&b, responseHeaders)
	b.WriteString("\n")
	b.Write(truncateBody(responseBody))
	b.WriteString("\n")

	path := filepath.Join(l.logsDir, l.filename(url))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write request log: %w", err)
	}
	return nil
}

func (l *FileRequestLogger) filename(url string) string {
	sanitized := unsafeFilenameChars.ReplaceAllString(strings.Trim(url, "/"), "_")
	if sanitized == "" {
		sanitized = "root"
	}
	return fmt.Sprintf("%s_%s.log", time.Now().Format("20060102-150405.000"), sanitized)
}

func writeHeaders(b *strings.Builder, headers http.Header) {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.EqualFold(name, "Authorization") {
			b.WriteString(name + ": [REDACTED]\n")
			continue
		}
		b.WriteString(name + ": " + strings.Join(headers[name], ", ") + "\n")
	}
}

func truncateBody(body []byte) []byte {
	if len(body) > maxCapturedBody {
		return append(body[:maxCapturedBody:maxCapturedBody], []byte("\n[TRUNCATED]")...)
	}
	return body
}
