package main

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Sriram-PR/vx-mirror/pkg/config"
	vxlog "github.com/Sriram-PR/vx-mirror/pkg/log"
)

// cli carries the state shared by every subcommand of one invocation
type cli struct {
	v          *viper.Viper
	configPath string
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

// NewRootCmd creates the root command with all subcommands attached
func NewRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), stdin: stdin, stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:   "vx-mirror",
		Short: "Mirror the vx-underground collection tree to a local directory",
		Long: `vx-mirror walks the collection site breadth first, recreating its category tree
under the output directory and downloading every archive it finds. Interrupted
transfers leave a control record beside the partial file and are resumed on the
next run.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("loglevel", "info", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(
		c.newCrawlCmd(),
		c.newResumeCmd(),
		c.newValidateCmd(),
		NewVersionCmd(),
	)
	return rootCmd
}

// flagKeys maps flag names to the config keys they override
var flagKeys = map[string]string{
	"loglevel":            "loglevel",
	"output-dir":          "output_dir",
	"concurrency":         "download_concurrency",
	"page-concurrency":    "page_concurrency",
	"external-downloader": "external_downloader.enabled",
	"external-binary":     "external_downloader.binary",
	"external-options":    "external_downloader.options",
	"size-threshold":      "external_downloader.size_threshold",
	"max-attempts":        "max_attempts",
	"backoff":             "backoff",
	"retry-delay":         "retry_delay",
	"ledger":              "ledger",
	"state-dir":           "state_dir",
	"metrics-addr":        "metrics_addr",
	"base-url":            "base_url",
	"exclude":             "exclude_patterns",
	"start":               "start",
	"tree":                "tree",
	"stats-every":         "stats_every",
}

// bind points the config keys at the flags of the command being run.
// Several commands declare the same flag, so binding happens per invocation rather than at construction.
func (c *cli) bind(flags *pflag.FlagSet) {
	for flagName, key := range flagKeys {
		if f := flags.Lookup(flagName); f != nil {
			// Only fails on a nil flag
			_ = c.v.BindPFlag(key, f)
		}
	}
}

// loadConfig resolves and validates the configuration, applying the flags viper cannot map directly
func (c *cli) loadConfig(cmd *cobra.Command) (*config.AppConfig, []string, error) {
	c.bind(cmd.Flags())
	cfg, err := config.Load(c.v, c.configPath)
	if err != nil {
		return nil, nil, err
	}
	if f := cmd.Flags().Lookup("rate-limit"); f != nil && f.Changed {
		seconds, err := cmd.Flags().GetFloat64("rate-limit")
		if err != nil {
			return nil, nil, err
		}
		cfg.RateLimit = secondsToDuration(seconds)
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

// newLogger builds the process logger from cfg and reports config warnings through it
func (c *cli) newLogger(cfg *config.AppConfig, warnings []string) *logrus.Logger {
	logger, levelWarning := vxlog.NewLogger(c.stderr, cfg.LogLevel)
	if levelWarning != "" {
		logger.Warn(levelWarning)
	}
	for _, w := range warnings {
		logger.Warnf("Config warning: %s", w)
	}
	return logger
}

// secondsToDuration converts the --rate-limit value, which is given in (fractional) seconds
func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
