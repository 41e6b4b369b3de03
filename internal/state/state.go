// Package state holds the process-wide singletons of the gateway, built once
// at startup and threaded explicitly into every component instead of living
// as package globals: configuration, the browser session handle, the request
// queue, the stream bus, the locks, the parameter cache, the catalogue, and
// the usage store.
package state

import (
	"sync"
	"sync/atomic"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/browser"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/config"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/models"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/queue"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/streambus"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/usage"
)

// ParamCache mirrors the parameter values the UI currently displays, so the
// pipeline can skip redundant UI interactions. If LastKnownModel differs
// from the live model the whole cache is stale and must be invalidated
// before use. All access goes through the embedded lock.
type ParamCache struct {
	mu             sync.Mutex
	values         map[string]string
	lastKnownModel string
}

// NewParamCache creates an empty cache.
func NewParamCache() *ParamCache {
	return &ParamCache{values: make(map[string]string)}
}

// EnsureModel invalidates the cache when the live model differs from the
// last known one, then records the live model. Returns true when the cache
// was flushed.
func (p *ParamCache) EnsureModel(liveModel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastKnownModel == liveModel {
		return false
	}
	p.values = make(map[string]string)
	p.lastKnownModel = liveModel
	return true
}

// Get returns the cached value of a named parameter.
func (p *ParamCache) Get(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[name]
	return v, ok
}

// Set records a verified parameter value.
func (p *ParamCache) Set(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[name] = value
}

// Invalidate drops one entry; used on any verify mismatch so the cache never
// claims a value different from the UI's displayed one.
func (p *ParamCache) Invalidate(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, name)
}

// InvalidateAll drops every entry.
func (p *ParamCache) InvalidateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = make(map[string]string)
}

// LastKnownModel returns the model id the cache was built against.
func (p *ParamCache) LastKnownModel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastKnownModel
}

// AppState is the explicit container of everything that used to be a global.
type AppState struct {
	// Cfg is the loaded configuration.
	Cfg *config.Config

	// Session is the singleton browser UI session.
	Session browser.Session

	// Queue is the request FIFO the worker consumes.
	Queue *queue.Queue

	// Bus is the stream bus carrying parsed frames from proxy to emitter.
	Bus *streambus.Bus

	// Catalogue is the parsed model list.
	Catalogue *models.Catalogue

	// Params is the process-wide parameter cache.
	Params *ParamCache

	// Usage is the persisted usage counter store. May be nil.
	Usage *usage.Store

	// SandboxDir is the base directory for per-request upload sandboxes.
	SandboxDir string

	// ProcessingLock is the single-inflight gate: held while exactly one
	// request drives the UI session.
	ProcessingLock sync.Mutex

	// ModelSwitchLock serializes model switches and the page reloads they
	// trigger. Lock ordering: ProcessingLock → ModelSwitchLock → the
	// parameter cache's internal lock.
	ModelSwitchLock sync.Mutex

	// Initialized flips once startup completed.
	Initialized atomic.Bool

	// WorkerAlive reports the worker loop is running; /health keys off it.
	WorkerAlive atomic.Bool

	// Processing reports a request currently holds the processing lock.
	Processing atomic.Bool
}

// New builds the container. The session may be attached later during
// startup.
func New(cfg *config.Config) *AppState {
	return &AppState{
		Cfg:        cfg,
		Queue:      queue.New(),
		Bus:        streambus.New(256),
		Catalogue:  models.NewCatalogue(cfg.ExcludedModels, cfg.DefaultModel),
		Params:     NewParamCache(),
		SandboxDir: "uploads",
	}
}

// Healthy reports whether initialization completed and the worker is alive.
func (s *AppState) Healthy() bool {
	return s.Initialized.Load() && s.WorkerAlive.Load()
}
