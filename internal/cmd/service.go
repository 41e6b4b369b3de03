// Package cmd contains the service orchestration: startup ordering of the
// certificate authority, stream proxy, browser session, queue worker, config
// watcher, and API server, plus graceful shutdown on signals.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/api"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/apierr"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/browser"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/certauth"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/config"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/logging"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/state"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/streamproxy"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/usage"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/watcher"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/worker"
)

// launchTimeout bounds browser startup and the initial catalogue fetch.
const launchTimeout = 120 * time.Second

// StartService runs the gateway until a termination signal arrives.
// Startup order matters: the stream proxy must be accepting before the
// browser launches with it as its proxy, and the worker must be running
// before the API server takes requests.
func StartService(cfg *config.Config, configPath string) {
	if err := logging.ConfigureLogOutput(cfg.LogDir, !cfg.Debug); err != nil {
		log.Warnf("failed to configure log output: %v", err)
	}

	st := state.New(cfg)

	if cfg.UsageDBPath != "" {
		store, err := usage.Open(cfg.UsageDBPath)
		if err != nil {
			log.Warnf("usage store unavailable, counters disabled: %v", err)
		} else {
			st.Usage = store
			defer store.Close()
		}
	}

	var proxy *streamproxy.Proxy
	if cfg.StreamProxyEnabled() {
		authority, err := certauth.New(cfg.CertDir)
		if err != nil {
			log.Fatalf("certificate authority init failed: %v", err)
		}
		log.Infof("certificate authority ready, CA certificate at %s", authority.CACertPath())

		proxy, err = streamproxy.New(cfg, authority, st.Bus)
		if err != nil {
			log.Fatalf("stream proxy init failed: %v", err)
		}
		if err = proxy.Start(); err != nil {
			log.Fatalf("stream proxy failed to start: %v", err)
		}
		<-proxy.Ready()
	} else {
		log.Warn("stream proxy disabled, responses will be scraped from the DOM")
	}

	launchCtx, cancelLaunch := context.WithTimeout(context.Background(), launchTimeout)
	sess, err := browser.Launch(launchCtx, cfg)
	if err != nil {
		cancelLaunch()
		log.Fatalf("browser session launch failed: %v", err)
	}
	st.Session = sess

	if catalogue, errCat := sess.Catalogue(launchCtx); errCat != nil {
		log.Warnf("model catalogue unavailable, falling back to %s: %v", st.Catalogue.Fallback(), errCat)
	} else {
		st.Catalogue.Replace(catalogue)
		log.Infof("model catalogue loaded: %d models", len(catalogue))
	}
	cancelLaunch()

	qw := worker.New(st)
	qw.Start()

	server := api.NewServer(st)

	var cfgWatcher *watcher.Watcher
	if configPath != "" {
		cfgWatcher, err = watcher.NewWatcher(configPath, func(next *config.Config) {
			applyHotReload(cfg, next, server)
		})
		if err != nil {
			log.Warnf("config watcher unavailable: %v", err)
		} else if err = cfgWatcher.Start(context.Background()); err != nil {
			log.Warnf("config watcher failed to start: %v", err)
			cfgWatcher = nil
		}
	}

	st.Initialized.Store(true)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infof("received %s, shutting down", sig)
	case err = <-serverErr:
		if err != nil {
			log.Errorf("API server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = server.Stop(shutdownCtx); err != nil {
		log.Warnf("error stopping API server: %v", err)
	}

	for _, orphan := range st.Queue.Close() {
		orphan.Future.Fail(apierr.New(apierr.KindServiceUnavailable, "gateway is shutting down"))
	}
	qw.Stop()

	if cfgWatcher != nil {
		_ = cfgWatcher.Stop()
	}
	if proxy != nil {
		proxy.Stop()
	}
	if err = sess.Close(); err != nil {
		log.Warnf("error closing browser session: %v", err)
	}
	log.Info("shutdown complete")
}

// applyHotReload copies the runtime-safe settings from a freshly parsed
// config onto the live one.
func applyHotReload(live, next *config.Config, server *api.Server) {
	if next.Debug != live.Debug {
		log.Infof("debug mode changed: %t -> %t", live.Debug, next.Debug)
		live.Debug = next.Debug
		if next.Debug {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
	}
	if next.RequestLog != live.RequestLog {
		log.Infof("request logging changed: %t -> %t", live.RequestLog, next.RequestLog)
		live.RequestLog = next.RequestLog
		server.SetRequestLogEnabled(next.RequestLog)
	}
	if len(next.APIKeys) != len(live.APIKeys) {
		log.Infof("api-keys count changed: %d -> %d", len(live.APIKeys), len(next.APIKeys))
	}
	live.APIKeys = next.APIKeys
	live.AuthExcludedPaths = next.AuthExcludedPaths
	live.EnableSearch = next.EnableSearch
	live.EnableURLContext = next.EnableURLContext
}
