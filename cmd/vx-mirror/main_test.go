package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/vx-mirror/pkg/config"
	"github.com/Sriram-PR/vx-mirror/pkg/crawler"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(t.Context(), args, bytes.NewReader(nil), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// site serves a tiny collection: the root lists one category, which holds one file
type site struct {
	server *httptest.Server
	mu     sync.Mutex
	hits   map[string]int
}

const payload = "%PDF-1.4 sample body"

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{hits: map[string]int{}}
	pages := map[string]string{
		"/":       `<html><body><div class="cursor-pointer"><span class="text-white text-xs truncate">Papers</span></div></body></html>`,
		"/Papers": `<html><body><a href="/files/paper.pdf">paper.pdf</a></body></html>`,
	}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		if r.URL.Path == "/files/paper.pdf" {
			http.ServeContent(w, r, "paper.pdf", time.Time{}, bytes.NewReader([]byte(payload)))
			return
		}
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *site) hitCount(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[p]
}

func TestVersion(t *testing.T) {
	res := run(t, "version")
	assert.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "vx-mirror")
}

func TestValidate_PrintAppliesFlags(t *testing.T) {
	out := filepath.Join(t.TempDir(), "mirror")
	res := run(t, "validate", "--print", "-o", out, "-c", "4", "-r", "1.5", "--external-options", "--max-connection-per-server=4 -x4")
	require.Equal(t, exitOK, res.code, res.stderr)

	var cfg config.AppConfig
	require.NoError(t, yaml.Unmarshal([]byte(res.stdout), &cfg))
	assert.Equal(t, out, cfg.OutputDir)
	assert.Equal(t, 4, cfg.DownloadConcurrency)
	assert.Equal(t, 8, cfg.PageConcurrency, "default kept")
	assert.Equal(t, 1500*time.Millisecond, cfg.RateLimit)
	assert.Equal(t, "--max-connection-per-server=4 -x4", cfg.External.Options)
}

func TestValidate_ConfigFileEnvAndFlagPrecedence(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "vx.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("page_concurrency: 3\nmax_attempts: 5\noutput_dir: from-file\n"), 0o644))
	t.Setenv("VXMIRROR_MAX_ATTEMPTS", "7")

	res := run(t, "validate", "--print", "--config", cfgPath, "-o", "from-flag")
	require.Equal(t, exitOK, res.code, res.stderr)

	var cfg config.AppConfig
	require.NoError(t, yaml.Unmarshal([]byte(res.stdout), &cfg))
	assert.Equal(t, 3, cfg.PageConcurrency, "file beats default")
	assert.Equal(t, 7, cfg.MaxAttempts, "env beats file")
	assert.Equal(t, "from-flag", cfg.OutputDir, "flag beats file")
}

func TestExitCodes(t *testing.T) {
	testCases := []struct {
		name string
		args []string
		code int
	}{
		{"negative concurrency", []string{"validate", "-c", "-1"}, exitInvalidConfig},
		{"negative rate limit", []string{"validate", "-r", "-2"}, exitInvalidConfig},
		{"unknown backoff", []string{"validate", "--backoff", "sometimes"}, exitInvalidConfig},
		{"invalid exclude pattern", []string{"crawl", "--exclude", "(unclosed", "--backoff", "none"}, exitInvalidConfig},
		{"unknown ledger", []string{"validate", "--ledger", "redis"}, exitInvalidConfig},
		{"start escapes base", []string{"crawl", "../etc", "--backoff", "none"}, exitInvalidConfig},
		{"unknown flag", []string{"crawl", "--no-such-flag"}, exitUsage},
		{"malformed number", []string{"crawl", "-c", "many"}, exitUsage},
		{"too many args", []string{"crawl", "a", "b"}, exitUsage},
		{"missing config file", []string{"validate", "--config", "/nonexistent/vx.yaml"}, exitUsage},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := run(t, tc.args...)
			assert.Equal(t, tc.code, res.code, res.stderr)
			assert.Contains(t, res.stderr, "Error:")
		})
	}
}

func TestCrawl_MirrorsSite(t *testing.T) {
	s := newSite(t)
	out := filepath.Join(t.TempDir(), "mirror")

	res := run(t, "crawl", "--base-url", s.server.URL, "-o", out, "--backoff", "none", "--loglevel", "error", "--tree")
	require.Equal(t, exitOK, res.code, res.stderr)

	data, err := os.ReadFile(filepath.Join(out, "Papers", "paper.pdf"))
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
	assert.FileExists(t, filepath.Join(out, crawler.SummaryFilename))
	assert.FileExists(t, filepath.Join(out, crawler.JournalFilename))
	assert.FileExists(t, out+"_structure.txt")

	// A second run finds the file in place and does not request it again
	res = run(t, "crawl", "--base-url", s.server.URL, "-o", out, "--backoff", "none", "--loglevel", "error")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Equal(t, 1, s.hitCount("/files/paper.pdf"))
}

func TestCrawl_PositionalStartPath(t *testing.T) {
	s := newSite(t)
	out := filepath.Join(t.TempDir(), "mirror")

	res := run(t, "crawl", "Papers", "--base-url", s.server.URL, "-o", out, "--backoff", "none", "--loglevel", "error")
	require.Equal(t, exitOK, res.code, res.stderr)

	assert.Zero(t, s.hitCount("/"), "root page is above the start path")
	assert.FileExists(t, filepath.Join(out, "paper.pdf"))
}

func TestResume_FinishesRecordedTransfers(t *testing.T) {
	s := newSite(t)
	out := filepath.Join(t.TempDir(), "mirror")
	dest := filepath.Join(out, "Papers", "paper.pdf")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte(payload[:5]), 0o644))
	require.NoError(t, os.WriteFile(dest+".aria2", []byte("uri="+s.server.URL+"/files/paper.pdf\n"), 0o644))

	res := run(t, "resume", "--base-url", s.server.URL, "-o", out, "--backoff", "none", "--loglevel", "error")
	require.Equal(t, exitOK, res.code, res.stderr)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
	assert.NoFileExists(t, dest+".aria2")
	assert.Zero(t, s.hitCount("/"), "resume does not crawl")
}

func TestValidate_CompilesPatterns(t *testing.T) {
	t.Run("selector", func(t *testing.T) {
		t.Setenv("VXMIRROR_FILE_SELECTOR", "a[href")
		res := run(t, "validate")
		assert.Equal(t, exitInvalidConfig, res.code)
		assert.Contains(t, res.stderr, "selector")
	})
	t.Run("exclude", func(t *testing.T) {
		res := run(t, "validate", "--exclude", "[z-a]")
		assert.Equal(t, exitInvalidConfig, res.code)
		assert.Contains(t, res.stderr, "regex")
	})
}
