// Package browser defines the contract between the gateway core and the
// browser-automation layer driving the provider's web UI. The automation
// bindings themselves (clicking selectors, filling textareas) are external
// collaborators; the gateway only depends on the Session interface below.
// The package also owns launch-mode plumbing: registering a driver, opening
// the UI in debug mode, and the no-browser stub used for API-only debugging.
package browser

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/config"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/models"
)

// UIURL is the provider page the session drives.
const UIURL = "https://aistudio.google.com/prompts/new_chat"

// Session is the singleton handle on the live browser UI. All methods may
// block on selector waits and honor ctx cancellation. The session must not
// be assumed to tolerate concurrent manipulation; the worker's processing
// lock serializes access.
type Session interface {
	// Ready reports whether the UI finished initializing.
	Ready() bool

	// CurrentModel returns the model id the UI currently has selected.
	CurrentModel() string

	// SwitchModel selects another model by writing the UI's local-storage
	// preference and reloading the page.
	SwitchModel(ctx context.Context, modelID string) error

	// Catalogue returns the model list parsed from the UI.
	Catalogue(ctx context.Context) ([]models.Model, error)

	// ReadParam reads back the displayed value of a named UI parameter.
	ReadParam(ctx context.Context, name string) (string, error)

	// ApplyParam sets a named UI parameter to the given value.
	ApplyParam(ctx context.Context, name, value string) error

	// FillPrompt fills the prompt textarea.
	FillPrompt(ctx context.Context, text string) error

	// AttachFiles attaches local files to the pending prompt.
	AttachFiles(ctx context.Context, paths []string) error

	// ClickSubmit clicks the submit button once it is enabled.
	ClickSubmit(ctx context.Context) error

	// SubmitWithEnter presses Enter in the prompt textarea.
	SubmitWithEnter(ctx context.Context) error

	// SubmitWithModEnter presses Ctrl/Meta+Enter in the prompt textarea.
	SubmitWithModEnter(ctx context.Context) error

	// WaitDone polls for the UI done condition: submit button re-enabled,
	// edit button present, textarea empty again.
	WaitDone(ctx context.Context, timeout time.Duration) error

	// ScrapeResponse extracts the finished response text, preferring the
	// edit-mode textarea value and falling back to the copy-markdown
	// affordance.
	ScrapeResponse(ctx context.Context) (string, error)

	// QuiesceGenerateButton best-effort ensures the stop/generate button is
	// back in the idle state.
	QuiesceGenerateButton(ctx context.Context) error

	// ClearChat resets the UI conversation. The session runs in
	// temporary-chat mode, so the clear is redundant but defensive.
	ClearChat(ctx context.Context) error

	// Close tears the session down.
	Close() error
}

// Diagnostics is the optional debug surface a session may expose; the
// snapshot package uses it when capturing failure state.
type Diagnostics interface {
	Screenshot(ctx context.Context) ([]byte, error)
	PageHTML(ctx context.Context) (string, error)
	ElementTree(ctx context.Context) (string, error)
	ConsoleLog() []string
	NetworkLog() []string
	LocatorReport(ctx context.Context) string
}

// Driver launches sessions. The automation binding registers one at init.
type Driver interface {
	Launch(ctx context.Context, cfg *config.Config) (Session, error)
}

var registeredDriver Driver

// RegisterDriver installs the automation binding. Last registration wins.
func RegisterDriver(d Driver) {
	registeredDriver = d
}

// Launch starts (or connects to) the browser session for the configured
// launch mode. In debug mode the provider UI is additionally opened in the
// operator's own browser so they can watch or log in.
func Launch(ctx context.Context, cfg *config.Config) (Session, error) {
	if cfg.LaunchMode == config.LaunchDebug {
		if err := open.Run(UIURL); err != nil {
			log.Warnf("failed to open %s in local browser: %v", UIURL, err)
		}
	}
	if cfg.LaunchMode == config.LaunchDirectDebugNoBrow {
		log.Warn("running without a browser session; UI-bound requests will fail")
		return NopSession{}, nil
	}
	if registeredDriver == nil {
		return nil, fmt.Errorf("no browser driver registered for launch mode %q", cfg.LaunchMode)
	}
	return registeredDriver.Launch(ctx, cfg)
}

// NopSession is the stand-in session for direct_debug_no_browser mode. Every
// UI operation fails.
type NopSession struct{}

var errNoBrowser = fmt.Errorf("no browser session in direct_debug_no_browser mode")

// Ready implements Session.
func (NopSession) Ready() bool { return false }

// CurrentModel implements Session.
func (NopSession) CurrentModel() string { return "" }

// SwitchModel implements Session.
func (NopSession) SwitchModel(context.Context, string) error { return errNoBrowser }

// Catalogue implements Session.
func (NopSession) Catalogue(context.Context) ([]models.Model, error) { return nil, errNoBrowser }

// ReadParam implements Session.
func (NopSession) ReadParam(context.Context, string) (string, error) { return "", errNoBrowser }

// ApplyParam implements Session.
func (NopSession) ApplyParam(context.Context, string, string) error { return errNoBrowser }

// FillPrompt implements Session.
func (NopSession) FillPrompt(context.Context, string) error { return errNoBrowser }

// AttachFiles implements Session.
func (NopSession) AttachFiles(context.Context, []string) error { return errNoBrowser }

// ClickSubmit implements Session.
func (NopSession) ClickSubmit(context.Context) error { return errNoBrowser }

// SubmitWithEnter implements Session.
func (NopSession) SubmitWithEnter(context.Context) error { return errNoBrowser }

// SubmitWithModEnter implements Session.
func (NopSession) SubmitWithModEnter(context.Context) error { return errNoBrowser }

// WaitDone implements Session.
func (NopSession) WaitDone(context.Context, time.Duration) error { return errNoBrowser }

// ScrapeResponse implements Session.
func (NopSession) ScrapeResponse(context.Context) (string, error) { return "", errNoBrowser }

// QuiesceGenerateButton implements Session.
func (NopSession) QuiesceGenerateButton(context.Context) error { return nil }

// ClearChat implements Session.
func (NopSession) ClearChat(context.Context) error { return nil }

// Close implements Session.
func (NopSession) Close() error { return nil }
