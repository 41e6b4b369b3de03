// Package snapshot captures the browser state when a request dies with a
// server error: screenshot, page HTML, element tree, console and network
// logs, and a locator health report, all dropped in a timestamped directory
// so the failure can be diagnosed after the fact.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/browser"
)

// captureTimeout bounds each diagnostic probe so a wedged page cannot stall
// worker cleanup.
const captureTimeout = 15 * time.Second

type metadata struct {
	ReqID    string `json:"req_id"`
	Reason   string `json:"reason"`
	Captured string `json:"captured"`
}

// Capture writes a snapshot of the session under baseDir and returns the
// snapshot directory. Sessions without a diagnostics surface yield only the
// metadata file. Capture never fails the caller's request; every probe error
// is logged and skipped.
func Capture(baseDir, reqID, reason string, sess browser.Session) (string, error) {
	dir := filepath.Join(baseDir, fmt.Sprintf("snapshot-%s-%s", time.Now().Format("20060102-150405"), reqID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	meta, _ := json.MarshalIndent(metadata{
		ReqID:    reqID,
		Reason:   reason,
		Captured: time.Now().Format(time.RFC3339),
	}, "", "  ")
	writeFile(dir, "metadata.json", meta)

	diag, ok := sess.(browser.Diagnostics)
	if !ok {
		return dir, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	defer cancel()

	if png, err := diag.Screenshot(ctx); err != nil {
		log.Debugf("[%s] snapshot screenshot failed: %v", reqID, err)
	} else {
		writeFile(dir, "screenshot.png", png)
	}
	if html, err := diag.PageHTML(ctx); err != nil {
		log.Debugf("[%s] snapshot page HTML failed: %v", reqID, err)
	} else {
		writeFile(dir, "page.html", []byte(html))
	}
	if tree, err := diag.ElementTree(ctx); err != nil {
		log.Debugf("[%s] snapshot element tree failed: %v", reqID, err)
	} else {
		writeFile(dir, "elements.txt", []byte(tree))
	}
	writeFile(dir, "console.log", []byte(strings.Join(diag.ConsoleLog(), "\n")))
	writeFile(dir, "network.log", []byte(strings.Join(diag.NetworkLog(), "\n")))
	writeFile(dir, "locators.txt", []byte(diag.LocatorReport(ctx)))

	log.Infof("[%s] debug snapshot written to %s", reqID, dir)
	return dir, nil
}

func writeFile(dir, name string, data []byte) {
	if len(data) == 0 {
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		log.Debugf("snapshot: failed to write %s: %v", name, err)
	}
}
