package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/adrg/xdg"

	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

var (
	backoffKinds = []string{BackoffNone, BackoffFixed, BackoffLinear, BackoffExponential, BackoffInteractive, BackoffChain}
	ledgerKinds  = []string{LedgerMemory, LedgerBadger}
)

// Validate checks AppConfig fields and applies defaults to zero values.
// Returns collected warnings and any fatal error (wrapping utils.ErrConfigValidation).
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// Negative numbers are never a typo we can guess a fix for
	for _, check := range []struct {
		name    string
		invalid bool
	}{
		{"rate_limit", c.RateLimit < 0},
		{"page_concurrency", c.PageConcurrency < 0},
		{"download_concurrency", c.DownloadConcurrency < 0},
		{"semaphore_timeout", c.SemaphoreTimeout < 0},
		{"max_attempts", c.MaxAttempts < 0},
		{"retry_delay", c.RetryDelay < 0},
		{"interactive_countdown", c.InteractiveCountdown < 0},
		{"external_downloader.size_threshold", c.External.SizeThreshold < 0},
		{"progress_threshold", c.ProgressThreshold < 0},
		{"stats_every", c.StatsEvery < 0},
	} {
		if check.invalid {
			return warnings, fmt.Errorf("%w: %s cannot be negative", utils.ErrConfigValidation, check.name)
		}
	}

	// BaseURL
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	u, parseErr := url.Parse(c.BaseURL)
	if parseErr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return warnings, fmt.Errorf("%w: base_url '%s' must be an absolute http(s) URL", utils.ErrConfigValidation, c.BaseURL)
	}

	// StartPath
	c.StartPath = strings.Trim(strings.TrimSpace(c.StartPath), "/")
	if slices.Contains(strings.Split(c.StartPath, "/"), "..") {
		return warnings, fmt.Errorf("%w: start path '%s' cannot contain '..'", utils.ErrConfigValidation, c.StartPath)
	}

	// OutputDir
	if c.OutputDir == "" {
		warnings = append(warnings, "output_dir is empty, defaulting to 'Downloads'")
		c.OutputDir = "Downloads"
	}

	// Concurrency
	if c.PageConcurrency == 0 {
		warnings = append(warnings, "page_concurrency should be > 0, defaulting to 8")
		c.PageConcurrency = 8
	}
	if c.DownloadConcurrency == 0 {
		warnings = append(warnings, "download_concurrency should be > 0, defaulting to 12")
		c.DownloadConcurrency = 12
	}

	// Retry
	if c.MaxAttempts == 0 {
		warnings = append(warnings, "max_attempts should be > 0, defaulting to 3")
		c.MaxAttempts = 3
	}
	c.Backoff = strings.ToLower(strings.TrimSpace(c.Backoff))
	if c.Backoff == "" {
		c.Backoff = BackoffInteractive
	}
	if !slices.Contains(backoffKinds, c.Backoff) {
		return warnings, fmt.Errorf("%w: unknown backoff '%s' (want one of %s)",
			utils.ErrConfigValidation, c.Backoff, strings.Join(backoffKinds, ", "))
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.InteractiveCountdown == 0 {
		c.InteractiveCountdown = 10 * time.Second
	}

	// External downloader
	ext := &c.External
	if ext.Binary == "" {
		ext.Binary = "aria2c"
	}
	if ext.SizeThreshold == 0 {
		ext.SizeThreshold = 100 * MiB
	}
	if ext.ControlSuffix == "" {
		ext.ControlSuffix = ".aria2"
	}
	ext.Args = strings.Fields(ext.Options)

	if c.ProgressThreshold == 0 {
		c.ProgressThreshold = 50 * MiB
	}

	// Selectors are compiled later by the pattern cache; only defaults are applied here
	if strings.TrimSpace(c.FileSelector) == "" {
		c.FileSelector = DefaultFileSelector
	}
	if strings.TrimSpace(c.CategorySelector) == "" {
		c.CategorySelector = DefaultCategorySelector
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}

	if c.StatsEvery == 0 {
		c.StatsEvery = 10
	}

	// Ledger
	c.Ledger = strings.ToLower(strings.TrimSpace(c.Ledger))
	if c.Ledger == "" {
		c.Ledger = LedgerMemory
	}
	if !slices.Contains(ledgerKinds, c.Ledger) {
		return warnings, fmt.Errorf("%w: unknown ledger '%s' (want one of %s)",
			utils.ErrConfigValidation, c.Ledger, strings.Join(ledgerKinds, ", "))
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(xdg.StateHome, "vx-mirror")
	}

	c.validateHTTPClientSettings()

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 30 * time.Second
	}
	if h.ResponseHeaderTimeout <= 0 {
		h.ResponseHeaderTimeout = h.Timeout
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 20
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 60 * time.Second
	}
}
