package main

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Sriram-PR/vx-mirror/pkg/config"
	"github.com/Sriram-PR/vx-mirror/pkg/crawler"
)

// runFlags registers the flags shared by every command that loads a run configuration
func (c *cli) runFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("output-dir", "o", "Downloads", "Directory the collection tree is mirrored into")
	f.Float64P("rate-limit", "r", 0, "Minimum seconds between requests to the site")
	f.IntP("concurrency", "c", 12, "Maximum simultaneous file downloads")
	f.Int("page-concurrency", 8, "Maximum simultaneous page fetches")
	f.Bool("external-downloader", false, "Hand large or unknown-size files to an aria2c-compatible binary")
	f.String("external-binary", "aria2c", "External downloader binary")
	f.String("external-options", "", "Extra arguments for the external downloader, whitespace separated")
	f.Int64("size-threshold", 100<<20, "Files of at least this many bytes use the external downloader")
	f.Int("max-attempts", 3, "Attempts per request before giving up")
	f.String("backoff", "interactive", "Wait between attempts: none, fixed, linear, exponential, interactive, chain")
	f.Duration("retry-delay", 0, "Base delay for the fixed, linear and exponential backoffs")
	f.String("ledger", "memory", "Visited ledger: memory or badger")
	f.String("state-dir", "", "Directory for the badger ledger (default $XDG_STATE_HOME/vx-mirror)")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. ':9090')")
	f.String("base-url", "https://vx-underground.org", "Site root")
	f.StringSlice("exclude", nil, "Regular expression for category or file names to skip (repeatable)")
}

func (c *cli) newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [start-path]",
		Short: "Mirror the collection, resuming interrupted transfers first",
		Example: `  vx-mirror crawl -o ./mirror
  vx-mirror crawl "APTs/2024" --external-downloader --size-threshold 52428800`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				c.v.Set("start", args[0])
			}
			return c.runCrawl(cmd)
		},
	}
	c.runFlags(cmd)
	cmd.Flags().String("start", "", "Sub-path under the base URL to start from")
	cmd.Flags().Bool("tree", false, "Write <output-dir>_structure.txt after a clean finish")
	cmd.Flags().Int("stats-every", 10, "Log a progress report every N pages")
	return cmd
}

func (c *cli) runCrawl(cmd *cobra.Command) error {
	cfg, warnings, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := c.newLogger(cfg, warnings)

	ctx, stop := withSignals(cmd.Context(), logrus.NewEntry(logger))
	defer stop()

	rt, err := c.buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()
	logAppConfig(rt.log, cfg)

	cr := crawler.NewCrawler(cfg, rt.components(), rt.runID, rt.log)
	if _, err := cr.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			rt.log.Warn("Mirror cancelled gracefully.")
			return nil
		}
		return err
	}
	return nil
}

func (c *cli) newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Finish interrupted transfers found under the output directory without crawling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, warnings, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := c.newLogger(cfg, warnings)

			ctx, stop := withSignals(cmd.Context(), logrus.NewEntry(logger))
			defer stop()

			rt, err := c.buildRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			res, err := rt.orch.ResumePending(ctx, cfg.OutputDir)
			if err != nil {
				return err
			}
			rt.log.WithFields(rt.stats.Snapshot().Fields()).Infof(
				"Resume finished: %d downloaded, %d failed", res.Downloaded, res.Failed)
			if ctx.Err() != nil {
				rt.log.Warn("Resume cancelled gracefully.")
			}
			return nil
		},
	}
	c.runFlags(cmd)
	return cmd
}

// logAppConfig logs the effective settings at the start of a run
func logAppConfig(log *logrus.Entry, cfg *config.AppConfig) {
	log.WithFields(logrus.Fields{
		"start_url":            cfg.StartURL(),
		"output_dir":           cfg.OutputDir,
		"rate_limit":           cfg.RateLimit,
		"page_concurrency":     cfg.PageConcurrency,
		"download_concurrency": cfg.DownloadConcurrency,
		"max_attempts":         cfg.MaxAttempts,
		"backoff":              cfg.Backoff,
		"external_downloader":  cfg.External.Enabled,
		"size_threshold":       cfg.External.SizeThreshold,
		"ledger":               cfg.Ledger,
	}).Info("Effective configuration")
}
