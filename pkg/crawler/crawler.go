// Package crawler drives the breadth-first traversal of the collection tree.
package crawler

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/vx-mirror/pkg/config"
	"github.com/Sriram-PR/vx-mirror/pkg/download"
	"github.com/Sriram-PR/vx-mirror/pkg/fetch"
	"github.com/Sriram-PR/vx-mirror/pkg/models"
	"github.com/Sriram-PR/vx-mirror/pkg/parse"
	"github.com/Sriram-PR/vx-mirror/pkg/queue"
	"github.com/Sriram-PR/vx-mirror/pkg/stats"
	"github.com/Sriram-PR/vx-mirror/pkg/storage"
	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

// Components are the run-wide services a Crawler uses. All of them are shared, none are owned.
type Components struct {
	FS           afero.Fs
	Fetcher      *fetch.Fetcher // Page fetcher (bounded overall timeout)
	Extractor    *parse.Extractor
	Filter       *parse.NameFilter // Optional
	Store        storage.Store
	Orchestrator *download.Orchestrator
	Stats        *stats.Aggregator
}

// Crawler mirrors the collection tree rooted at the configured start URL
type Crawler struct {
	log    *logrus.Entry // Logger contextualized with run_id
	appCfg *config.AppConfig
	runID  string

	fs        afero.Fs
	fetcher   *fetch.Fetcher
	extractor *parse.Extractor
	filter    *parse.NameFilter
	store     storage.Store
	orch      *download.Orchestrator
	stats     *stats.Aggregator

	frontier     *queue.Frontier
	pageSem      *semaphore.Weighted // Gates page fetches only; download batches run outside it
	skipSegments map[string]bool     // Category names implied by the start path
	numWorkers   int

	wg sync.WaitGroup // One count per node pushed and not yet processed
}

// NewCrawler creates a Crawler for one run
func NewCrawler(appCfg *config.AppConfig, comp Components, runID string, baseLogger *logrus.Entry) *Crawler {
	skip := make(map[string]bool)
	for _, seg := range strings.Split(appCfg.StartPath, "/") {
		if seg != "" {
			skip[seg] = true
		}
	}

	return &Crawler{
		log:          baseLogger,
		appCfg:       appCfg,
		runID:        runID,
		fs:           comp.FS,
		fetcher:      comp.Fetcher,
		extractor:    comp.Extractor,
		filter:       comp.Filter,
		store:        comp.Store,
		orch:         comp.Orchestrator,
		stats:        comp.Stats,
		frontier:     queue.NewFrontier(baseLogger),
		pageSem:      semaphore.NewWeighted(int64(appCfg.PageConcurrency)),
		skipSegments: skip,
		// Twice the page limit so that workers busy with a download batch do not idle the page slots
		numWorkers: 2 * appCfg.PageConcurrency,
	}
}

// Run mirrors the tree and blocks until the frontier is exhausted or ctx is cancelled.
// Failures of single pages or files never stop the run; the returned error is ctx.Err()
// or a failure to create the output root.
func (c *Crawler) Run(ctx context.Context) (stats.Snapshot, error) {
	startTime := time.Now()
	startURL := c.appCfg.StartURL()
	runLog := c.log.WithField("start_url", startURL)
	runLog.Infof("Mirror starting with %d page slot(s), %d download slot(s)...", c.appCfg.PageConcurrency, c.appCfg.DownloadConcurrency)

	if err := c.fs.MkdirAll(c.appCfg.OutputDir, 0o755); err != nil {
		return c.stats.Snapshot(), fmt.Errorf("%w: creating output dir '%s': %w", utils.ErrFilesystem, c.appCfg.OutputDir, err)
	}

	if ok, err := c.fetcher.CheckReachable(ctx, startURL); ok {
		runLog.Info("Start URL is reachable")
	} else {
		runLog.Warnf("Start URL did not answer 2xx, continuing anyway: %v", err)
	}

	// Transfers interrupted by an earlier run go first
	if res, err := c.orch.ResumePending(ctx, c.appCfg.OutputDir); err != nil {
		runLog.Errorf("Resume scan failed: %v", err)
	} else if res != (download.BatchResult{}) {
		runLog.Infof("Resumed transfers: %d downloaded, %d failed", res.Downloaded, res.Failed)
	}

	var workers sync.WaitGroup
	for i := 1; i <= c.numWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			c.worker(ctx, c.log.WithField("worker_id", i))
		}()
	}

	c.enqueue(models.FrontierNode{URL: startURL, LocalPath: c.appCfg.OutputDir})

	// Close the frontier once every pushed node is processed, or drop the rest on cancellation
	allDone := make(chan struct{})
	go func() { c.wg.Wait(); close(allDone) }()
	select {
	case <-allDone:
		runLog.Debug("Frontier exhausted")
	case <-ctx.Done():
		runLog.Warnf("Run cancelled (%v), dropping queued pages", ctx.Err())
		for range c.frontier.Drain() {
			c.wg.Done()
		}
	}
	c.frontier.Close()
	workers.Wait()

	snap := c.stats.Snapshot()
	c.finish(ctx, startTime, snap, runLog)
	return snap, ctx.Err()
}

// enqueue pushes a node and accounts for it in the pending count
func (c *Crawler) enqueue(node models.FrontierNode) {
	c.wg.Add(1)
	if !c.frontier.Push(node) {
		c.wg.Done()
	}
}

// worker pops nodes until the frontier is closed and empty
func (c *Crawler) worker(ctx context.Context, workerLog *logrus.Entry) {
	workerLog.Debug("Worker starting")
	defer workerLog.Debug("Worker finished")

	for {
		node, ok := c.frontier.Pop()
		if !ok {
			return
		}
		c.processNode(ctx, node, workerLog)
	}
}

// processNode claims one node, fetches its page and either downloads its files or queues its sub-collections.
// Every failure here is contained to the node.
func (c *Crawler) processNode(ctx context.Context, node models.FrontierNode, workerLog *logrus.Entry) {
	taskLog := workerLog.WithFields(logrus.Fields{"url": node.URL, "depth": node.Depth})
	startTime := time.Now()

	defer func() {
		if r := recover(); r != nil {
			taskLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"duration":    time.Since(startTime).String(),
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in processNode")
			c.stats.AddError("Panic")
		}
		c.wg.Done()
	}()

	if ctx.Err() != nil {
		return
	}

	claimed, err := c.store.Claim(parse.Identity(node.URL))
	if err != nil {
		c.nodeFailed(err, taskLog)
		return
	}
	if !claimed {
		taskLog.Debug("Already claimed, dropping")
		return
	}

	body, err := c.fetchPage(ctx, node.URL)
	if err != nil {
		if ctx.Err() == nil {
			c.nodeFailed(err, taskLog)
		}
		return
	}
	if pages := c.stats.AddPage(); c.appCfg.StatsEvery > 0 && pages%int64(c.appCfg.StatsEvery) == 0 {
		c.log.WithFields(c.stats.Snapshot().Fields()).Info("Mirror progress")
	}

	doc, err := c.extractor.Parse(body)
	if err != nil {
		c.nodeFailed(err, taskLog)
		return
	}

	// A page holds either files or sub-collections; the absence of files means look for categories
	if links := c.extractor.FileLinks(doc); len(links) > 0 {
		tasks := make([]models.DownloadTask, 0, len(links))
		for _, link := range links {
			if c.filter.Excluded(link.Name) {
				taskLog.Debugf("Skipping excluded file '%s'", link.Name)
				continue
			}
			tasks = append(tasks, models.DownloadTask{
				SourceURL:   link.URL,
				DestPath:    filepath.Join(node.LocalPath, link.Name),
				DisplayName: link.Name,
			})
		}
		taskLog.Infof("Found %d file(s)", len(tasks))
		res := c.orch.RunBatch(ctx, tasks)
		taskLog.WithFields(logrus.Fields{
			"downloaded": res.Downloaded,
			"skipped":    res.Skipped,
			"failed":     res.Failed,
			"duration":   time.Since(startTime).String(),
		}).Info("Directory complete")
		return
	}

	queued := 0
	for _, name := range c.extractor.Categories(doc) {
		if child, ok := c.childNode(node, name, taskLog); ok {
			c.enqueue(child)
			queued++
		}
	}
	taskLog.WithField("duration", time.Since(startTime).String()).Infof("Queued %d sub-collection(s)", queued)
}

// childNode builds the frontier node for a category, or reports false when the category is filtered out
func (c *Crawler) childNode(parent models.FrontierNode, name string, log *logrus.Entry) (models.FrontierNode, bool) {
	if name == parent.Name {
		log.Debugf("Skipping self reference '%s'", name)
		return models.FrontierNode{}, false
	}
	if name == "." || name == ".." {
		log.Debugf("Skipping relative entry '%s'", name)
		return models.FrontierNode{}, false
	}
	if c.filter.Excluded(name) {
		log.Debugf("Skipping excluded category '%s'", name)
		return models.FrontierNode{}, false
	}
	if c.skipSegments[name] {
		log.Debugf("Skipping '%s', part of the start path", name)
		return models.FrontierNode{}, false
	}

	childURL := parse.ChildURL(parent.URL, name)
	if c.store.Seen(parse.Identity(childURL)) {
		log.Debugf("Skipping '%s', already visited", name)
		return models.FrontierNode{}, false
	}

	dir := filepath.Join(parent.LocalPath, utils.SafePathComponent(name))
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		c.nodeFailed(fmt.Errorf("%w: creating directory '%s': %w", utils.ErrFilesystem, dir, err), log.WithField("category", name))
		return models.FrontierNode{}, false
	}

	return models.FrontierNode{URL: childURL, LocalPath: dir, Name: name, Depth: parent.Depth + 1}, true
}

// fetchPage fetches a page body while holding one page slot
func (c *Crawler) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	semCtx := ctx
	if c.appCfg.SemaphoreTimeout > 0 {
		var cancel context.CancelFunc
		semCtx, cancel = context.WithTimeout(ctx, c.appCfg.SemaphoreTimeout)
		defer cancel()
	}
	if err := c.pageSem.Acquire(semCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: acquiring page semaphore: %w", utils.ErrSemaphoreTimeout, err)
	}
	defer c.pageSem.Release(1)

	return c.fetcher.FetchPage(ctx, pageURL)
}

// nodeFailed logs a contained node failure and counts it
func (c *Crawler) nodeFailed(err error, log *logrus.Entry) {
	category := utils.CategorizeError(err)
	c.stats.AddError(category)
	log.WithField("error_type", category).Warnf("Node is a dead end: %v", err)
}
