package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/Sriram-PR/vx-mirror/pkg/cache"
	"github.com/Sriram-PR/vx-mirror/pkg/config"
	"github.com/Sriram-PR/vx-mirror/pkg/crawler"
	"github.com/Sriram-PR/vx-mirror/pkg/download"
	"github.com/Sriram-PR/vx-mirror/pkg/fetch"
	"github.com/Sriram-PR/vx-mirror/pkg/parse"
	"github.com/Sriram-PR/vx-mirror/pkg/stats"
	"github.com/Sriram-PR/vx-mirror/pkg/storage"
)

const gcInterval = 10 * time.Minute

// runtime is the set of services one run shares
type runtime struct {
	cfg   *config.AppConfig
	log   *logrus.Entry
	runID string

	fs        afero.Fs
	store     storage.Store
	stats     *stats.Aggregator
	pages     *fetch.Fetcher
	extractor *parse.Extractor
	filter    *parse.NameFilter
	orch      *download.Orchestrator

	metrics *http.Server
}

// buildRuntime wires every component from cfg. The caller must call close.
func (c *cli) buildRuntime(ctx context.Context, cfg *config.AppConfig, logger *logrus.Logger) (*runtime, error) {
	runID := uuid.NewString()
	log := logrus.NewEntry(logger).WithField("run_id", runID)
	rt := &runtime{cfg: cfg, log: log, runID: runID, fs: afero.NewOsFs()}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	agg, err := stats.New(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	rt.stats = agg

	// Selectors first: a bad pattern is a configuration error and nothing has been opened yet
	extractor, err := parse.NewExtractor(cfg.BaseURL, cfg.FileSelector, cfg.CategorySelector, cache.NewSelectorCache())
	if err != nil {
		return nil, err
	}
	rt.extractor = extractor
	if rt.filter, err = parse.NewNameFilter(cfg.ExcludePatterns, cache.NewRegexCache()); err != nil {
		return nil, err
	}

	backoff, err := fetch.NewBackoff(cfg, c.stdin, c.stderr)
	if err != nil {
		return nil, err
	}
	retrier := fetch.NewRetrier(cfg.MaxAttempts, backoff)
	limiter := fetch.NewRateLimiter(log)
	rt.pages = fetch.NewFetcher(fetch.NewClient(cfg.HTTPClientSettings, log), retrier, limiter, cfg.RateLimit, cfg.UserAgent, log)
	files := fetch.NewFetcher(fetch.NewDownloadClient(cfg.HTTPClientSettings, log), retrier, limiter, cfg.RateLimit, cfg.UserAgent, log)

	switch cfg.Ledger {
	case config.LedgerBadger:
		store, err := storage.NewBadgerStore(cfg.StateDir, siteKey(cfg.BaseURL), log)
		if err != nil {
			return nil, err
		}
		go store.RunGC(ctx, gcInterval)
		rt.store = store
	default:
		rt.store = storage.NewMemoryStore()
	}

	var external download.ExternalDownloader
	if cfg.External.Enabled {
		if _, err := exec.LookPath(cfg.External.Binary); err != nil {
			log.Warnf("External downloader '%s' not found in PATH, large files will fail until it is installed: %v", cfg.External.Binary, err)
		}
		external = download.NewAria2(cfg.External, log)
	}
	rt.orch = download.NewOrchestrator(cfg, rt.fs, files, external, rt.store, agg, log)

	if cfg.MetricsAddr != "" {
		rt.metrics = startMetricsServer(cfg.MetricsAddr, reg, log)
	}
	return rt, nil
}

// components hands the shared services to a crawler
func (rt *runtime) components() crawler.Components {
	return crawler.Components{
		FS:           rt.fs,
		Fetcher:      rt.pages,
		Extractor:    rt.extractor,
		Filter:       rt.filter,
		Store:        rt.store,
		Orchestrator: rt.orch,
		Stats:        rt.stats,
	}
}

func (rt *runtime) close() {
	if rt.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.metrics.Shutdown(shutdownCtx); err != nil {
			rt.log.Warnf("Metrics server shutdown: %v", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		rt.log.Errorf("Error closing ledger: %v", err)
	}
}

// startMetricsServer serves /metrics and the pprof handlers on addr
func startMetricsServer(addr string, reg *prometheus.Registry, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in metrics server: %v", r)
			}
		}()
		log.Infof("Serving metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed on %s: %v", addr, err)
		}
	}()
	return srv
}

// siteKey names the ledger database after the mirrored host
func siteKey(baseURL string) string {
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return "default"
}
