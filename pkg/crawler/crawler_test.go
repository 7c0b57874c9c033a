package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/vx-mirror/pkg/cache"
	"github.com/Sriram-PR/vx-mirror/pkg/config"
	"github.com/Sriram-PR/vx-mirror/pkg/download"
	"github.com/Sriram-PR/vx-mirror/pkg/fetch"
	"github.com/Sriram-PR/vx-mirror/pkg/models"
	"github.com/Sriram-PR/vx-mirror/pkg/parse"
	"github.com/Sriram-PR/vx-mirror/pkg/stats"
	"github.com/Sriram-PR/vx-mirror/pkg/storage"
)

// testLogger returns a logger that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func categoryPage(names ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, n := range names {
		fmt.Fprintf(&b, `<div class="cursor-pointer"><span class="text-white text-xs truncate">%s</span></div>`, n)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func filePage(hrefs ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><ul>")
	for _, h := range hrefs {
		fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, h, filepath.Base(h))
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}

// mockSite serves fixed pages and files and counts GETs per path
type mockSite struct {
	pages   map[string]string
	failing map[string]bool
	mu      sync.Mutex
	hits    map[string]int
	server  *httptest.Server
}

func newMockSite(t *testing.T, pages map[string]string) *mockSite {
	t.Helper()
	site := &mockSite{pages: pages, failing: map[string]bool{}, hits: map[string]int{}}
	site.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.EscapedPath()
		site.mu.Lock()
		site.hits[p]++
		site.mu.Unlock()

		if site.failing[p] {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, ok := site.pages[p]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(site.server.Close)
	return site
}

func (s *mockSite) hitCount(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[p]
}

type testRun struct {
	crawler *Crawler
	stats   *stats.Aggregator
	store   *storage.MemoryStore
	cfg     *config.AppConfig
}

func newTestCrawler(t *testing.T, baseURL string, mutate func(cfg *config.AppConfig)) *testRun {
	t.Helper()
	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.OutputDir = filepath.Join(t.TempDir(), "Downloads")
	cfg.Backoff = config.BackoffNone
	cfg.PageConcurrency = 3
	cfg.DownloadConcurrency = 4
	if mutate != nil {
		mutate(&cfg)
	}
	_, err := cfg.Validate()
	require.NoError(t, err)

	log := testLogger()
	agg, err := stats.New(nil)
	require.NoError(t, err)

	retrier := fetch.NewRetrier(cfg.MaxAttempts, fetch.NoBackoff{})
	limiter := fetch.NewRateLimiter(log)
	pageFetcher := fetch.NewFetcher(fetch.NewClient(cfg.HTTPClientSettings, log), retrier, limiter, 0, cfg.UserAgent, log)
	fileFetcher := fetch.NewFetcher(fetch.NewDownloadClient(cfg.HTTPClientSettings, log), retrier, limiter, 0, cfg.UserAgent, log)

	extractor, err := parse.NewExtractor(cfg.BaseURL, cfg.FileSelector, cfg.CategorySelector, cache.NewSelectorCache())
	require.NoError(t, err)
	filter, err := parse.NewNameFilter(cfg.ExcludePatterns, cache.NewRegexCache())
	require.NoError(t, err)

	fs := afero.NewOsFs()
	store := storage.NewMemoryStore()
	orch := download.NewOrchestrator(&cfg, fs, fileFetcher, nil, store, agg, log)

	c := NewCrawler(&cfg, Components{
		FS:           fs,
		Fetcher:      pageFetcher,
		Extractor:    extractor,
		Filter:       filter,
		Store:        store,
		Orchestrator: orch,
		Stats:        agg,
	}, "test-run", log)
	return &testRun{crawler: c, stats: agg, store: store, cfg: &cfg}
}

func TestRun_MirrorsTree(t *testing.T) {
	site := newMockSite(t, map[string]string{
		"/":                    categoryPage("Papers", "Malware"),
		"/Papers":              categoryPage("Papers", "Shared"), // "Papers" again is the self-loop
		"/Malware":             categoryPage("Shared"),
		"/Papers/Shared":       filePage("/Papers/Shared/a.pdf", "/Papers/Shared/b.zip"),
		"/Malware/Shared":      filePage("/Malware/Shared/c.7z"),
		"/Papers/Shared/a.pdf": "%PDF-1.4",
		"/Papers/Shared/b.zip": "PK\x03\x04",
		"/Malware/Shared/c.7z": "7z\xbc\xaf\x27\x1c",
	})
	run := newTestCrawler(t, site.server.URL, nil)

	snap, err := run.crawler.Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 5, snap.Pages)
	assert.EqualValues(t, 3, snap.Files)
	assert.EqualValues(t, 0, snap.Errors)
	assert.Equal(t, 5, run.store.Count())

	// The same category name under different parents is a different node
	assert.Equal(t, 1, site.hitCount("/Papers/Shared"))
	assert.Equal(t, 1, site.hitCount("/Malware/Shared"))
	assert.Equal(t, 0, site.hitCount("/Papers/Papers"), "self reference is never fetched")

	out := run.cfg.OutputDir
	for _, p := range []string{"Papers/Shared/a.pdf", "Papers/Shared/b.zip", "Malware/Shared/c.7z"} {
		assert.FileExists(t, filepath.Join(out, p))
	}
	assert.NoDirExists(t, filepath.Join(out, "Papers", "Papers"))

	data, err := os.ReadFile(filepath.Join(out, SummaryFilename))
	require.NoError(t, err)
	var summary models.RunSummary
	require.NoError(t, yaml.Unmarshal(data, &summary))
	assert.Equal(t, "test-run", summary.RunID)
	assert.EqualValues(t, 3, summary.Files)
	assert.False(t, summary.Interrupted)
	assert.FileExists(t, filepath.Join(out, JournalFilename))
}

func TestRun_FailingFileIsIsolated(t *testing.T) {
	site := newMockSite(t, map[string]string{
		"/":                categoryPage("Archive"),
		"/Archive":         filePage("/Archive/one.zip", "/Archive/bad.zip", "/Archive/two.zip"),
		"/Archive/one.zip": "1",
		"/Archive/two.zip": "2",
	})
	site.failing["/Archive/bad.zip"] = true
	run := newTestCrawler(t, site.server.URL, nil)

	snap, err := run.crawler.Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 2, snap.Files)
	assert.EqualValues(t, 1, snap.Errors)
	assert.Equal(t, 3, site.hitCount("/Archive/bad.zip"))

	failed, err := run.store.Failed()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "RetryFailed_HTTP_503", failed[0].ErrorType)
}

func TestRun_FailingPageIsDeadEnd(t *testing.T) {
	site := newMockSite(t, map[string]string{
		"/":         categoryPage("Down", "Up"),
		"/Up":       filePage("/Up/f.pdf"),
		"/Up/f.pdf": "%PDF",
	})
	site.failing["/Down"] = true
	run := newTestCrawler(t, site.server.URL, nil)

	snap, err := run.crawler.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, site.hitCount("/Down"))
	assert.EqualValues(t, 1, snap.Files)
	assert.EqualValues(t, 1, snap.Errors)
	assert.FileExists(t, filepath.Join(run.cfg.OutputDir, "Up", "f.pdf"))
}

func TestRun_StartPathSegmentsAreSkipped(t *testing.T) {
	site := newMockSite(t, map[string]string{
		// The start page repeats its own breadcrumb
		"/Families":                        categoryPage("Families", "Emotet"),
		"/Families/Emotet":                 categoryPage("Families", "Emotet", "2024"),
		"/Families/Emotet/2024":            filePage("/Families/Emotet/2024/sample.zip"),
		"/Families/Emotet/2024/sample.zip": "PK",
	})
	run := newTestCrawler(t, site.server.URL, func(cfg *config.AppConfig) { cfg.StartPath = "Families" })

	snap, err := run.crawler.Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 3, snap.Pages)
	assert.EqualValues(t, 1, snap.Files)
	assert.Equal(t, 0, site.hitCount("/Families/Families"))
	assert.Equal(t, 0, site.hitCount("/Families/Emotet/Families"))
	assert.Equal(t, 0, site.hitCount("/Families/Emotet/Emotet"))
	assert.FileExists(t, filepath.Join(run.cfg.OutputDir, "Emotet", "2024", "sample.zip"))
}

func TestRun_ExcludedNamesAreSkipped(t *testing.T) {
	site := newMockSite(t, map[string]string{
		"/":                categoryPage("Papers", "Samples"),
		"/Samples":         filePage("/Samples/x.zip"),
		"/Papers":          filePage("/Papers/keep.pdf", "/Papers/drop.rar"),
		"/Papers/keep.pdf": "%PDF-1.4",
		"/Papers/drop.rar": "Rar!",
	})
	run := newTestCrawler(t, site.server.URL, func(cfg *config.AppConfig) {
		cfg.ExcludePatterns = []string{`^Samples$`, `\.rar$`}
	})

	snap, err := run.crawler.Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 1, snap.Files)
	assert.Zero(t, site.hitCount("/Samples"))
	assert.Zero(t, site.hitCount("/Papers/drop.rar"))
	assert.FileExists(t, filepath.Join(run.cfg.OutputDir, "Papers", "keep.pdf"))
	assert.NoDirExists(t, filepath.Join(run.cfg.OutputDir, "Samples"))
}

func TestRun_DotCategoriesStayInsideOutput(t *testing.T) {
	site := newMockSite(t, map[string]string{
		"/":              categoryPage("..", ".", "Papers"),
		"/..":            filePage("/evil.zip"),
		"/.":             filePage("/evil.zip"),
		"/evil.zip":      "MZ",
		"/Papers":        filePage("/Papers/ok.pdf"),
		"/Papers/ok.pdf": "%PDF-1.4",
	})
	run := newTestCrawler(t, site.server.URL, nil)

	snap, err := run.crawler.Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 1, snap.Files)
	assert.Zero(t, site.hitCount("/.."))
	assert.Zero(t, site.hitCount("/evil.zip"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(run.cfg.OutputDir), "evil.zip"))
	assert.NoFileExists(t, filepath.Join(run.cfg.OutputDir, "evil.zip"))
	assert.FileExists(t, filepath.Join(run.cfg.OutputDir, "Papers", "ok.pdf"))
}

func TestRun_ExistingFilesAreNotRequested(t *testing.T) {
	site := newMockSite(t, map[string]string{
		"/":                 categoryPage("Archive"),
		"/Archive":          filePage("/Archive/have.zip"),
		"/Archive/have.zip": "remote",
	})
	run := newTestCrawler(t, site.server.URL, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(run.cfg.OutputDir, "Archive"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(run.cfg.OutputDir, "Archive", "have.zip"), []byte("local"), 0o644))

	snap, err := run.crawler.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, site.hitCount("/Archive/have.zip"))
	assert.EqualValues(t, 1, snap.Skipped)
	assert.EqualValues(t, 0, snap.Files)
}

func TestProcessNode_ConcurrentDiscoveryClaimsOnce(t *testing.T) {
	site := newMockSite(t, map[string]string{
		"/Shared": categoryPage(),
	})
	run := newTestCrawler(t, site.server.URL, nil)
	c := run.crawler

	// Two parents hand the same child to two workers at once
	child := models.FrontierNode{URL: site.server.URL + "/Shared", LocalPath: run.cfg.OutputDir, Name: "Shared", Depth: 1}
	var wg sync.WaitGroup
	c.wg.Add(2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.processNode(context.Background(), child, testLogger().WithField("worker_id", i))
		}()
	}
	wg.Wait()
	c.wg.Wait()

	assert.Equal(t, 1, site.hitCount("/Shared"))
	assert.EqualValues(t, 1, run.stats.Snapshot().Pages)
}

func TestRun_CancelledContextStopsEarly(t *testing.T) {
	site := newMockSite(t, map[string]string{
		"/": categoryPage("A", "B"),
	})
	run := newTestCrawler(t, site.server.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := run.crawler.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, site.hitCount("/A"))

	data, readErr := os.ReadFile(filepath.Join(run.cfg.OutputDir, SummaryFilename))
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "interrupted: true")
}

func TestRun_WritesTreeOnCleanFinish(t *testing.T) {
	site := newMockSite(t, map[string]string{
		"/":           categoryPage("Docs"),
		"/Docs":       filePage("/Docs/x.pdf"),
		"/Docs/x.pdf": "%PDF",
	})
	run := newTestCrawler(t, site.server.URL, func(cfg *config.AppConfig) { cfg.WriteTree = true })

	_, err := run.crawler.Run(context.Background())
	require.NoError(t, err)

	tree, err := os.ReadFile(run.cfg.OutputDir + "_structure.txt")
	require.NoError(t, err)
	assert.Contains(t, string(tree), "x.pdf")
	assert.NotContains(t, string(tree), SummaryFilename)
}
