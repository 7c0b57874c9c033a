package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/vx-mirror/pkg/cache"
	"github.com/Sriram-PR/vx-mirror/pkg/parse"
)

func (c *cli) newValidateCmd() *cobra.Command {
	var printCfg bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, warnings, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			// Patterns are only checked by compiling them
			if _, err := parse.NewExtractor(cfg.BaseURL, cfg.FileSelector, cfg.CategorySelector, cache.NewSelectorCache()); err != nil {
				return err
			}
			if _, err := parse.NewNameFilter(cfg.ExcludePatterns, cache.NewRegexCache()); err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Fprintf(c.stderr, "warning: %s\n", w)
			}
			if !printCfg {
				fmt.Fprintln(c.stdout, "configuration OK")
				return nil
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = c.stdout.Write(out)
			return err
		},
	}
	c.runFlags(cmd)
	cmd.Flags().BoolVar(&printCfg, "print", false, "Print the effective configuration as YAML")
	return cmd
}
