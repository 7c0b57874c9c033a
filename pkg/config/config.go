package config

import "time"

// Backoff strategy names accepted by the backoff setting
const (
	BackoffNone        = "none"
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
	BackoffInteractive = "interactive"
	BackoffChain       = "chain" // interactive pause first, then fixed delays
)

// Ledger kinds accepted by the ledger setting
const (
	LedgerMemory = "memory"
	LedgerBadger = "badger"
)

const (
	MiB = 1 << 20

	DefaultBaseURL          = "https://vx-underground.org"
	DefaultFileSelector     = `a[href$=".pdf"], a[href$=".zip"], a[href$=".7z"], a[href$=".rar"]`
	DefaultCategorySelector = "div.cursor-pointer span.text-white.text-xs.truncate"
	DefaultUserAgent        = "Mozilla/5.0 (compatible; VX-Underground-Scraper/1.0)"
)

// AppConfig holds the application configuration for one mirror run
type AppConfig struct {
	BaseURL             string        `yaml:"base_url" mapstructure:"base_url"`
	StartPath           string        `yaml:"start,omitempty" mapstructure:"start"` // Sub-path under base_url to root the crawl at
	OutputDir           string        `yaml:"output_dir" mapstructure:"output_dir"`
	RateLimit           time.Duration `yaml:"rate_limit" mapstructure:"rate_limit"` // Minimum gap between requests to one host
	PageConcurrency     int           `yaml:"page_concurrency" mapstructure:"page_concurrency"`
	DownloadConcurrency int           `yaml:"download_concurrency" mapstructure:"download_concurrency"`
	SemaphoreTimeout    time.Duration `yaml:"semaphore_timeout,omitempty" mapstructure:"semaphore_timeout"` // 0 = wait as long as the run lives

	MaxAttempts          int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	Backoff              string        `yaml:"backoff" mapstructure:"backoff"`
	RetryDelay           time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`                     // Base delay for fixed/linear/exponential
	InteractiveCountdown time.Duration `yaml:"interactive_countdown" mapstructure:"interactive_countdown"` // Countdown after an operator pause

	External          ExternalDownloaderConfig `yaml:"external_downloader" mapstructure:"external_downloader"`
	ProgressThreshold int64                    `yaml:"progress_threshold" mapstructure:"progress_threshold"` // Bytes above which transfers log progress

	FileSelector     string   `yaml:"file_selector" mapstructure:"file_selector"`
	CategorySelector string   `yaml:"category_selector" mapstructure:"category_selector"`
	ExcludePatterns  []string `yaml:"exclude_patterns,omitempty" mapstructure:"exclude_patterns"` // Regexes; matching category or file names are skipped
	UserAgent        string   `yaml:"user_agent" mapstructure:"user_agent"`

	StatsEvery  int    `yaml:"stats_every" mapstructure:"stats_every"`
	Ledger      string `yaml:"ledger" mapstructure:"ledger"`
	StateDir    string `yaml:"state_dir" mapstructure:"state_dir"`
	MetricsAddr string `yaml:"metrics_addr,omitempty" mapstructure:"metrics_addr"`
	WriteTree   bool   `yaml:"tree,omitempty" mapstructure:"tree"`
	LogLevel    string `yaml:"loglevel,omitempty" mapstructure:"loglevel"`

	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty" mapstructure:"http_client_settings"`
}

// ExternalDownloaderConfig controls delegation of large files to an aria2c-compatible binary
type ExternalDownloaderConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	Binary        string `yaml:"binary" mapstructure:"binary"`
	SizeThreshold int64  `yaml:"size_threshold" mapstructure:"size_threshold"` // Files at least this large go external
	ControlSuffix string `yaml:"control_suffix" mapstructure:"control_suffix"`
	Options       string `yaml:"options,omitempty" mapstructure:"options"` // Extra arguments, whitespace separated

	// Args is Options split into arguments by Validate
	Args []string `yaml:"-" mapstructure:"-"`
}

// HTTPClientConfig holds settings for the shared HTTP clients
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`                                 // Overall page request timeout (downloads are not bounded by it)
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout,omitempty" mapstructure:"response_header_timeout"` // Time to wait for response headers
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty" mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty" mapstructure:"idle_conn_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty" mapstructure:"tls_handshake_timeout"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty" mapstructure:"expect_continue_timeout"`
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty" mapstructure:"force_attempt_http2"` // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty" mapstructure:"dialer_timeout"`
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty" mapstructure:"dialer_keep_alive"`
}

// Default returns the configuration used when nothing is overridden
func Default() AppConfig {
	return AppConfig{
		BaseURL:              DefaultBaseURL,
		OutputDir:            "Downloads",
		PageConcurrency:      8,
		DownloadConcurrency:  12,
		MaxAttempts:          3,
		Backoff:              BackoffInteractive,
		RetryDelay:           500 * time.Millisecond,
		InteractiveCountdown: 10 * time.Second,
		External: ExternalDownloaderConfig{
			Binary:        "aria2c",
			SizeThreshold: 100 * MiB,
			ControlSuffix: ".aria2",
		},
		ProgressThreshold: 50 * MiB,
		FileSelector:      DefaultFileSelector,
		CategorySelector:  DefaultCategorySelector,
		UserAgent:         DefaultUserAgent,
		StatsEvery:        10,
		Ledger:            LedgerMemory,
		LogLevel:          "info",
		HTTPClientSettings: HTTPClientConfig{
			Timeout:               30 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DialerTimeout:         15 * time.Second,
			DialerKeepAlive:       60 * time.Second,
		},
	}
}

// StartURL joins BaseURL and StartPath
func (c *AppConfig) StartURL() string {
	if c.StartPath == "" {
		return c.BaseURL
	}
	return c.BaseURL + "/" + c.StartPath
}
