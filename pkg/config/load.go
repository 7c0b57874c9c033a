package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. VXMIRROR_OUTPUT_DIR
const EnvPrefix = "VXMIRROR"

// SetDefaults registers every key of Default() on v so environment variables and
// bound flags resolve even when no config file mentions the key.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("start", d.StartPath)
	v.SetDefault("output_dir", d.OutputDir)
	v.SetDefault("rate_limit", d.RateLimit)
	v.SetDefault("page_concurrency", d.PageConcurrency)
	v.SetDefault("download_concurrency", d.DownloadConcurrency)
	v.SetDefault("semaphore_timeout", d.SemaphoreTimeout)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("backoff", d.Backoff)
	v.SetDefault("retry_delay", d.RetryDelay)
	v.SetDefault("interactive_countdown", d.InteractiveCountdown)
	v.SetDefault("external_downloader.enabled", d.External.Enabled)
	v.SetDefault("external_downloader.binary", d.External.Binary)
	v.SetDefault("external_downloader.size_threshold", d.External.SizeThreshold)
	v.SetDefault("external_downloader.control_suffix", d.External.ControlSuffix)
	v.SetDefault("external_downloader.options", d.External.Options)
	v.SetDefault("progress_threshold", d.ProgressThreshold)
	v.SetDefault("file_selector", d.FileSelector)
	v.SetDefault("category_selector", d.CategorySelector)
	v.SetDefault("exclude_patterns", []string{})
	v.SetDefault("user_agent", d.UserAgent)
	v.SetDefault("stats_every", d.StatsEvery)
	v.SetDefault("ledger", d.Ledger)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("tree", d.WriteTree)
	v.SetDefault("loglevel", d.LogLevel)

	h := d.HTTPClientSettings
	v.SetDefault("http_client_settings.timeout", h.Timeout)
	v.SetDefault("http_client_settings.response_header_timeout", h.ResponseHeaderTimeout)
	v.SetDefault("http_client_settings.max_idle_conns", h.MaxIdleConns)
	v.SetDefault("http_client_settings.max_idle_conns_per_host", h.MaxIdleConnsPerHost)
	v.SetDefault("http_client_settings.idle_conn_timeout", h.IdleConnTimeout)
	v.SetDefault("http_client_settings.tls_handshake_timeout", h.TLSHandshakeTimeout)
	v.SetDefault("http_client_settings.expect_continue_timeout", h.ExpectContinueTimeout)
	v.SetDefault("http_client_settings.dialer_timeout", h.DialerTimeout)
	v.SetDefault("http_client_settings.dialer_keep_alive", h.DialerKeepAlive)
}

// Load resolves the configuration from defaults, an optional YAML file at configPath,
// VXMIRROR_* environment variables and any flags already bound on v, in increasing precedence.
// The result is not validated.
func Load(v *viper.Viper, configPath string) (*AppConfig, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
