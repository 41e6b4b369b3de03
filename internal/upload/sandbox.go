// Package upload manages the per-request attachment sandbox. Inline data:
// URLs from the most recent user message are materialized into a scratch
// directory the UI can upload from; local attachments are validated but not
// copied. The sandbox lives for exactly one request and is destroyed by the
// worker's cleanup step.
package upload

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Sandbox is one request's attachment scratch directory. The directory is
// created lazily on the first materialized data: URL.
type Sandbox struct {
	reqID   string
	baseDir string
	dir     string
	files   []string
}

// NewSandbox creates a sandbox rooted under baseDir for the given request.
func NewSandbox(baseDir, reqID string) *Sandbox {
	return &Sandbox{reqID: reqID, baseDir: baseDir}
}

// Add resolves one attachment reference. Only data: URLs, file:// URLs, and
// existing absolute paths are accepted; anything else is rejected.
func (s *Sandbox) Add(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "data:"):
		return s.materializeDataURL(ref)
	case strings.HasPrefix(ref, "file://"):
		path := strings.TrimPrefix(ref, "file://")
		return s.validateLocal(path)
	case filepath.IsAbs(ref):
		return s.validateLocal(ref)
	default:
		return "", fmt.Errorf("unsupported attachment reference %q: only data:, file://, and absolute paths are accepted", truncateRef(ref))
	}
}

// Files returns every accepted attachment path, in order.
func (s *Sandbox) Files() []string {
	return s.files
}

// Destroy removes the sandbox directory and everything in it.
func (s *Sandbox) Destroy() {
	if s.dir == "" {
		return
	}
	if err := os.RemoveAll(s.dir); err != nil {
		log.Warnf("[%s] failed to remove upload sandbox %s: %v", s.reqID, s.dir, err)
		return
	}
	log.Debugf("[%s] upload sandbox removed", s.reqID)
}

func (s *Sandbox) ensureDir() error {
	if s.dir != "" {
		return nil
	}
	dir := filepath.Join(s.baseDir, "upload-"+s.reqID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create upload sandbox: %w", err)
	}
	s.dir = dir
	return nil
}

func (s *Sandbox) materializeDataURL(ref string) (string, error) {
	meta, payload, found := strings.Cut(ref[len("data:"):], ",")
	if !found {
		return "", fmt.Errorf("malformed data URL")
	}
	mediaType := "application/octet-stream"
	encodingBase64 := false
	for i, part := range strings.Split(meta, ";") {
		if i == 0 && part != "" {
			mediaType = part
			continue
		}
		if part == "base64" {
			encodingBase64 = true
		}
	}
	var data []byte
	var err error
	if encodingBase64 {
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", fmt.Errorf("failed to decode base64 data URL: %w", err)
		}
	} else {
		data = []byte(payload)
	}

	if err = s.ensureDir(); err != nil {
		return "", err
	}
	ext := extensionFor(mediaType)
	path := filepath.Join(s.dir, uuid.NewString()[:8]+ext)
	if err = os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}
	s.files = append(s.files, path)
	return path, nil
}

func (s *Sandbox) validateLocal(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("attachment path %q is not absolute", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("attachment %q not readable: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("attachment %q is a directory", path)
	}
	s.files = append(s.files, path)
	return path, nil
}

func extensionFor(mediaType string) string {
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}

// truncateRef shortens a reference for error messages, cutting on a rune
// boundary so a multi-byte character is never split.
func truncateRef(ref string) string {
	if len(ref) <= 64 {
		return ref
	}
	cut := 64
	for cut > 0 && !utf8.RuneStart(ref[cut]) {
		cut--
	}
	return ref[:cut] + "…"
}
