package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fieldkit/offsync/internal/offline/cache"
	"github.com/fieldkit/offsync/internal/offline/config"
	"github.com/fieldkit/offsync/internal/offline/db"
	"github.com/fieldkit/offsync/internal/offline/netmon"
	"github.com/fieldkit/offsync/internal/offline/schedule"
	"github.com/fieldkit/offsync/internal/offline/sync"
	"github.com/fieldkit/offsync/internal/offline/transport"
)

// app bundles the components one command works with.
type app struct {
	viper    *viper.Viper
	config   *config.Config
	logOut   io.Writer
	store    *db.DB
	client   *transport.HTTPClient
	monitor  *netmon.Monitor
	orch     *sync.Orchestrator
	registry *prometheus.Registry

	closers []func()
}

type appOptions struct {
	// monitor wires a network monitor into the orchestrator.
	monitor bool
}

// openApp loads configuration and opens the store, the backend client and
// the orchestrator.
func openApp(opts appOptions) (*app, error) {
	v, err := config.New(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return nil, err
	}

	a := &app{viper: v, config: cfg, registry: prometheus.NewRegistry()}
	a.logOut = a.logWriter()

	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	store, err := db.Open(cfg.Store.Path)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })
	if err := store.InitSchema(); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Store.QuotaBytes > 0 {
		store.SetQuota(db.LimitQuota(store, cfg.Store.QuotaBytes))
	}

	a.client = transport.NewHTTPClient(cfg.Backend.URL, transport.StaticToken(cfg.Backend.Token),
		&http.Client{Timeout: cfg.Backend.Timeout})

	sched := schedule.NewReal()
	if opts.monitor {
		monitor, err := netmon.New(a.prober(), sched, &netmon.Config{
			ProbeInterval:    cfg.Network.ProbeInterval,
			ProbeTimeout:     cfg.Network.ProbeTimeout,
			FailureThreshold: cfg.Network.FailureThreshold,
			GoodLatency:      300 * time.Millisecond,
			DegradedLatency:  1500 * time.Millisecond,
			InitialOnline:    true,
			Logger:           a.logger("netmon"),
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.monitor = monitor
	}

	syncCfg, err := a.syncConfig(sched)
	if err != nil {
		a.Close()
		return nil, err
	}
	orch, err := sync.New(store, a.client, syncCfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orch = orch
	// Closers run in reverse; the orchestrator goes before the store.
	a.closers = append(a.closers, orch.Close)
	return a, nil
}

func (a *app) syncConfig(sched schedule.Scheduler) (*sync.Config, error) {
	cfg := a.config
	policies, err := cfg.Policies()
	if err != nil {
		return nil, err
	}
	schemas, err := cfg.Schemas()
	if err != nil {
		return nil, err
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.MaxEntries = cfg.Cache.MaxEntries
	cacheCfg.Logger = a.logger("cache")

	out := sync.DefaultConfig()
	out.MaxConcurrency = cfg.Sync.MaxConcurrency
	out.Interval = cfg.Sync.Interval
	out.AttemptTimeout = cfg.Sync.AttemptTimeout
	out.MaxRetries = cfg.Sync.MaxRetries
	out.Backoff = cfg.Backoff()
	out.Policies = policies
	out.AuditLimit = cfg.Conflicts.AuditLimit
	out.Schemas = schemas
	out.Cache = cacheCfg
	out.Monitor = a.monitor
	out.Scheduler = sched
	out.Registerer = a.registry
	out.Logger = a.logger("sync")
	return out, nil
}

// prober probes network.probe_url when configured, and the backend's
// health endpoint otherwise.
func (a *app) prober() netmon.Prober {
	url := a.config.Network.ProbeURL
	if url == "" {
		return a.client
	}
	client := &http.Client{}
	return netmon.ProbeFunc(func(ctx context.Context) (time.Duration, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return 0, err
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return 0, fmt.Errorf("probe %s: %s", url, resp.Status)
		}
		return time.Since(start), nil
	})
}

// logWriter returns stderr, or a rotating file when log.file is set.
func (a *app) logWriter() io.Writer {
	lc := a.config.Log
	if lc.File == "" {
		return os.Stderr
	}
	lj := &lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
		Compress:   lc.Compress,
	}
	a.closers = append(a.closers, func() { _ = lj.Close() })
	return lj
}

// logger returns a component logger writing to the shared log output.
func (a *app) logger(component string) *log.Logger {
	return log.New(a.logOut, "["+component+"] ", log.LstdFlags)
}

// Close releases everything openApp acquired, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// mustOpenApp opens the app or exits.
func mustOpenApp(opts appOptions) *app {
	a, err := openApp(opts)
	if err != nil {
		fatal("%v", err)
	}
	return a
}
