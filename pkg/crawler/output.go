package crawler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/vx-mirror/pkg/download"
	"github.com/Sriram-PR/vx-mirror/pkg/models"
	"github.com/Sriram-PR/vx-mirror/pkg/stats"
	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

const (
	SummaryFilename = "mirror_summary.yaml"
	JournalFilename = "mirror_journal.tsv"
)

// finish logs the final banner and writes the run artifacts. Write failures are logged, never returned.
func (c *Crawler) finish(ctx context.Context, startTime time.Time, snap stats.Snapshot, runLog *logrus.Entry) {
	interrupted := ctx.Err() != nil

	runLog.Info("========================================================================")
	if interrupted {
		runLog.Warn("MIRROR INTERRUPTED (partial files will be resumed next run)")
	} else {
		runLog.Info("MIRROR FINISHED")
	}
	runLog.Infof("Duration:          %v", time.Since(startTime).Round(time.Millisecond))
	runLog.Infof("Final Stats:       %s", snap)
	runLog.Infof("Nodes Claimed:     %d", c.store.Count())
	runLog.Info("========================================================================")

	if err := c.writeSummary(startTime, snap, interrupted); err != nil {
		runLog.Errorf("Failed to write run summary: %v", err)
	}

	journalPath := filepath.Join(c.appCfg.OutputDir, JournalFilename)
	if err := c.store.WriteJournal(journalPath); err != nil {
		runLog.Errorf("Failed to write transfer journal: %v", err)
	} else {
		runLog.Infof("Transfer journal written to %s", journalPath)
	}

	if c.appCfg.WriteTree && !interrupted {
		treePath := strings.TrimRight(c.appCfg.OutputDir, `/\`) + "_structure.txt"
		hidden := []string{c.appCfg.External.ControlSuffix, download.DirectRecordSuffix, SummaryFilename, JournalFilename}
		if tree, err := utils.GenerateAndSaveTreeStructure(c.appCfg.OutputDir, treePath, hidden, runLog); err != nil {
			runLog.Errorf("Failed to write directory tree: %v", err)
		} else {
			runLog.Infof("Directory tree (%d dirs, %d files) written to %s", tree.Dirs, tree.Files, treePath)
		}
	}
}

// writeSummary writes mirror_summary.yaml into the output directory
func (c *Crawler) writeSummary(startTime time.Time, snap stats.Snapshot, interrupted bool) error {
	summaryPath := filepath.Join(c.appCfg.OutputDir, SummaryFilename)

	var configMap map[string]any
	if cfgBytes, err := yaml.Marshal(c.appCfg); err != nil {
		c.log.Warnf("Could not marshal configuration for run summary: %v", err)
	} else if err := yaml.Unmarshal(cfgBytes, &configMap); err != nil {
		c.log.Warnf("Could not unmarshal configuration into map for run summary: %v", err)
		configMap = nil
	}

	failed, err := c.store.Failed()
	if err != nil {
		c.log.Warnf("Could not list failed transfers for run summary: %v", err)
	}

	summary := models.RunSummary{
		RunID:        c.runID,
		BaseURL:      c.appCfg.BaseURL,
		StartURL:     c.appCfg.StartURL(),
		OutputDir:    c.appCfg.OutputDir,
		StartTime:    startTime,
		EndTime:      time.Now(),
		Interrupted:  interrupted,
		Pages:        snap.Pages,
		Files:        snap.Files,
		Bytes:        snap.Bytes,
		BytesHuman:   humanize.Bytes(uint64(snap.Bytes)),
		Skipped:      snap.Skipped,
		Errors:       snap.Errors,
		Claimed:      c.store.Count(),
		Failed:       failed,
		ConfigFields: configMap,
	}

	data, err := yaml.Marshal(&summary)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	if err := afero.WriteFile(c.fs, summaryPath, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing '%s': %w", utils.ErrFilesystem, summaryPath, err)
	}
	c.log.Infof("Run summary (%d failed transfer(s)) written to %s", len(failed), summaryPath)
	return nil
}
