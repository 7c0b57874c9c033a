// Package download moves the files of a collection page to disk.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/vx-mirror/pkg/config"
	"github.com/Sriram-PR/vx-mirror/pkg/fetch"
	"github.com/Sriram-PR/vx-mirror/pkg/models"
	"github.com/Sriram-PR/vx-mirror/pkg/stats"
	"github.com/Sriram-PR/vx-mirror/pkg/storage"
	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

// BatchResult counts the outcomes of one RunBatch call
type BatchResult struct {
	Downloaded int
	Skipped    int
	Failed     int
}

// Add accumulates other into r
func (r *BatchResult) Add(other BatchResult) {
	r.Downloaded += other.Downloaded
	r.Skipped += other.Skipped
	r.Failed += other.Failed
}

type outcome int

const (
	outcomeDownloaded outcome = iota
	outcomeSkipped
	outcomeFailed
)

// Orchestrator runs file transfers under the run-wide download limiter.
// One Orchestrator is shared by every traversal worker.
type Orchestrator struct {
	fs       afero.Fs
	fetcher  *fetch.Fetcher
	external ExternalDownloader // nil when external mode is disabled
	sem      *semaphore.Weighted
	journal  storage.TransferJournal
	stats    *stats.Aggregator
	appCfg   *config.AppConfig
	log      *logrus.Entry
}

// NewOrchestrator creates an Orchestrator. fetcher should be built on fetch.NewDownloadClient.
// external may be nil, which keeps every transfer in direct mode.
func NewOrchestrator(
	appCfg *config.AppConfig,
	fs afero.Fs,
	fetcher *fetch.Fetcher,
	external ExternalDownloader,
	journal storage.TransferJournal,
	agg *stats.Aggregator,
	log *logrus.Entry,
) *Orchestrator {
	return &Orchestrator{
		fs:       fs,
		fetcher:  fetcher,
		external: external,
		sem:      semaphore.NewWeighted(int64(appCfg.DownloadConcurrency)),
		journal:  journal,
		stats:    agg,
		appCfg:   appCfg,
		log:      log,
	}
}

// RunBatch transfers every task concurrently and waits for all of them.
// A failing task never affects its siblings, so no error is returned.
func (o *Orchestrator) RunBatch(ctx context.Context, tasks []models.DownloadTask) BatchResult {
	var downloaded, skipped, failed atomic.Int64
	var g errgroup.Group

	for _, task := range tasks {
		g.Go(func() error {
			switch o.runTask(ctx, task) {
			case outcomeDownloaded:
				downloaded.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait() // Tasks never return errors

	return BatchResult{
		Downloaded: int(downloaded.Load()),
		Skipped:    int(skipped.Load()),
		Failed:     int(failed.Load()),
	}
}

// ResumePending scans root for control records and re-runs the transfers they describe.
// The original traversal context is not needed: the record alone names the source.
func (o *Orchestrator) ResumePending(ctx context.Context, root string) (BatchResult, error) {
	suffixes := []string{DirectRecordSuffix, o.appCfg.External.ControlSuffix}
	var tasks []models.DownloadTask
	queued := make(map[string]bool)

	if exists, _ := afero.DirExists(o.fs, root); !exists {
		o.log.Debugf("Output root %s does not exist yet, nothing to resume", root)
		return BatchResult{}, nil
	}

	walkErr := afero.Walk(o.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		var dest string
		for _, suffix := range suffixes {
			if strings.HasSuffix(info.Name(), suffix) {
				dest = strings.TrimSuffix(p, suffix)
				break
			}
		}
		if dest == "" || queued[dest] {
			return nil
		}

		uri, readErr := ReadControlRecord(o.fs, p)
		if readErr != nil {
			o.log.WithField("control", p).Warnf("Ignoring control record: %v", readErr)
			o.stats.AddError(utils.CategorizeError(readErr))
			return nil
		}
		queued[dest] = true
		tasks = append(tasks, models.DownloadTask{
			SourceURL:   uri,
			DestPath:    dest,
			DisplayName: filepath.Base(dest),
		})
		return nil
	})
	if walkErr != nil {
		return BatchResult{}, fmt.Errorf("%w: scanning '%s' for control records: %w", utils.ErrFilesystem, root, walkErr)
	}

	if len(tasks) == 0 {
		o.log.Debugf("No unfinished transfers under %s", root)
		return BatchResult{}, nil
	}
	o.log.Infof("Resuming %d unfinished transfer(s) under %s", len(tasks), root)
	return o.RunBatch(ctx, tasks), nil
}

// runTask transfers one file and records the outcome in stats and the journal
func (o *Orchestrator) runTask(ctx context.Context, task models.DownloadTask) (result outcome) {
	taskLog := o.log.WithFields(logrus.Fields{"url": task.SourceURL, "dest": task.DestPath})
	var taskErr error
	var mode models.TransferMode
	var attempts int

	defer func() {
		if r := recover(); r != nil {
			taskErr = fmt.Errorf("panic downloading '%s': %v", task.SourceURL, r)
			taskLog.WithFields(logrus.Fields{"panic_info": r, "stack_trace": string(debug.Stack())}).Errorf("PANIC Recovered in runTask: %v", taskErr)
			o.stats.AddError("Panic")
			o.record(task, models.TransferEntry{Status: models.TransferStatusFailure, Mode: mode, ErrorType: "Panic", Attempts: attempts}, taskLog)
			result = outcomeFailed
		}
	}()

	externalRecord := ControlPath(task.DestPath, o.appCfg.External.ControlSuffix)
	directRecord := ControlPath(task.DestPath, DirectRecordSuffix)
	destExists, _ := afero.Exists(o.fs, task.DestPath)
	externalExists, _ := afero.Exists(o.fs, externalRecord)
	directExists, _ := afero.Exists(o.fs, directRecord)

	// A complete file is left alone; no request is issued for it
	if destExists && !externalExists && !directExists {
		taskLog.Debug("Destination exists, skipping")
		o.stats.AddSkipped()
		o.record(task, models.TransferEntry{Status: models.TransferStatusSkipped}, taskLog)
		return outcomeSkipped
	}

	if err := o.acquire(ctx); err != nil {
		return o.fail(ctx, task, mode, attempts, err, taskLog)
	}
	defer o.sem.Release(1)

	mode = o.chooseMode(ctx, task, externalExists, directExists, taskLog)
	taskLog = taskLog.WithField("mode", mode)
	if externalExists || directExists {
		taskLog.Info("Resuming unfinished transfer")
	}
	if mode == models.TransferModeDirect && externalExists && !directExists {
		// The external downloader writes segments out of order, so its partial file cannot be continued by Range
		taskLog.Info("Partial file belongs to the external downloader, restarting from zero")
		if err := o.removeIfExists(task.DestPath); err != nil {
			return o.fail(ctx, task, mode, attempts, err, taskLog)
		}
	}

	sizeBefore := o.fileSize(task.DestPath)
	var written int64
	taskErr = o.fetcher.Retrier().Do(ctx, taskLog, func(ctx context.Context, attempt int) error {
		attempts = attempt
		if mode == models.TransferModeExternal {
			return o.external.Download(ctx, task.SourceURL, task.DestPath)
		}
		n, restarted, err := o.direct(ctx, task, taskLog.WithField("attempt", attempt))
		if restarted {
			// Bytes of earlier attempts were truncated away
			written = n
		} else {
			written += n
		}
		return err
	})
	if taskErr != nil {
		return o.fail(ctx, task, mode, attempts, taskErr, taskLog)
	}

	if mode == models.TransferModeExternal {
		written = max(o.fileSize(task.DestPath)-sizeBefore, 0)
	}
	mimeType := o.sniff(task, taskLog)

	o.stats.AddFile()
	o.stats.AddBytes(written)
	o.record(task, models.TransferEntry{
		Status:   models.TransferStatusSuccess,
		Mode:     mode,
		Bytes:    written,
		MimeType: mimeType,
		Attempts: attempts,
	}, taskLog)
	taskLog.Infof("Downloaded %s", task.DisplayName)
	return outcomeDownloaded
}

// acquire takes one download slot, bounded by the semaphore timeout when one is set
func (o *Orchestrator) acquire(ctx context.Context) error {
	semCtx := ctx
	if o.appCfg.SemaphoreTimeout > 0 {
		var cancel context.CancelFunc
		semCtx, cancel = context.WithTimeout(ctx, o.appCfg.SemaphoreTimeout)
		defer cancel()
	}
	if err := o.sem.Acquire(semCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: acquiring download semaphore: %w", utils.ErrSemaphoreTimeout, err)
	}
	return nil
}

// chooseMode decides per file whether the external downloader moves it.
// A partial file goes back to the tool whose record sits beside it, without a probe.
// Unknown sizes go external since they may be arbitrarily large.
func (o *Orchestrator) chooseMode(ctx context.Context, task models.DownloadTask, externalExists, directExists bool, log *logrus.Entry) models.TransferMode {
	if o.external == nil || directExists {
		return models.TransferModeDirect
	}
	if externalExists {
		return models.TransferModeExternal
	}
	size, err := o.fetcher.ProbeSize(ctx, task.SourceURL)
	if err != nil {
		log.Debugf("Size probe failed, assuming large file: %v", err)
		return models.TransferModeExternal
	}
	if size < 0 || size >= o.appCfg.External.SizeThreshold {
		return models.TransferModeExternal
	}
	return models.TransferModeDirect
}

// direct streams one attempt to disk, continuing a partial file with a Range request.
// restarted reports that the file was rewritten from byte zero, so n is its whole content.
// The direct record stays on disk until the stream completes so an interrupted run can resume.
func (o *Orchestrator) direct(ctx context.Context, task models.DownloadTask, log *logrus.Entry) (n int64, restarted bool, err error) {
	directRecord := ControlPath(task.DestPath, DirectRecordSuffix)
	if err := o.fs.MkdirAll(filepath.Dir(task.DestPath), 0o755); err != nil {
		return 0, false, fmt.Errorf("%w: creating directory for '%s': %w", utils.ErrFilesystem, task.DestPath, err)
	}
	if exists, _ := afero.Exists(o.fs, directRecord); !exists {
		if err := WriteControlRecord(o.fs, directRecord, task.SourceURL); err != nil {
			return 0, false, err
		}
	}

	offset := o.fileSize(task.DestPath)
	req, err := http.NewRequest(http.MethodGet, task.SourceURL, nil)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("Accept-Encoding", "identity")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := o.fetcher.Do(ctx, req)
	if err != nil {
		if code, ok := utils.StatusCode(err); ok && code == http.StatusRequestedRangeNotSatisfiable && offset > 0 {
			// Nothing left past offset: the previous run finished the body but not the cleanup
			log.Debug("Range not satisfiable, treating partial file as complete")
			return 0, false, o.removeRecords(task.DestPath)
		}
		return 0, false, err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resp.StatusCode == http.StatusPartialContent && offset > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		log.Debugf("Continuing from byte %d", offset)
	} else {
		if offset > 0 {
			log.Debugf("Server ignored range request, restarting from zero")
		}
		offset = 0
		restarted = true
	}

	out, err := o.fs.OpenFile(task.DestPath, flags, 0o644)
	if err != nil {
		return 0, restarted, fmt.Errorf("%w: opening '%s': %w", utils.ErrFilesystem, task.DestPath, err)
	}

	var body io.Reader = resp.Body
	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}
	if total < 0 || total > o.appCfg.ProgressThreshold {
		body = io.TeeReader(resp.Body, newProgressWriter(log, offset, total))
	}

	written, copyErr := io.Copy(out, body)
	closeErr := out.Close()
	if copyErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return written, restarted, ctxErr
		}
		// The partial file is kept; the next attempt continues from its end
		return written, restarted, fmt.Errorf("%w: streaming '%s' after %d bytes: %v", utils.ErrResponseBodyRead, task.SourceURL, written, copyErr)
	}
	if closeErr != nil {
		return written, restarted, fmt.Errorf("%w: closing '%s': %w", utils.ErrFilesystem, task.DestPath, closeErr)
	}
	return written, restarted, o.removeRecords(task.DestPath)
}

// removeRecords drops both kinds of control record once dest is complete
func (o *Orchestrator) removeRecords(dest string) error {
	for _, suffix := range []string{DirectRecordSuffix, o.appCfg.External.ControlSuffix} {
		if err := o.removeIfExists(ControlPath(dest, suffix)); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) removeIfExists(p string) error {
	if err := o.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: removing '%s': %w", utils.ErrFilesystem, p, err)
	}
	return nil
}

// sniff detects the MIME type of a finished file and warns when an archive name holds an HTML page
func (o *Orchestrator) sniff(task models.DownloadTask, log *logrus.Entry) string {
	f, err := o.fs.Open(task.DestPath)
	if err != nil {
		log.Debugf("Cannot open finished file for sniffing: %v", err)
		return ""
	}
	defer f.Close()

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		log.Debugf("MIME detection failed: %v", err)
		return ""
	}
	ext := strings.ToLower(path.Ext(task.DestPath))
	if mt.Is("text/html") && ext != ".html" && ext != ".htm" {
		log.Warnf("Downloaded %s looks like an HTML page, the origin may have served an error page", task.DisplayName)
	}
	return mt.String()
}

// fail records a failed task. Cancellation is not counted as an error.
func (o *Orchestrator) fail(ctx context.Context, task models.DownloadTask, mode models.TransferMode, attempts int, err error, log *logrus.Entry) outcome {
	if ctx.Err() != nil {
		log.Debugf("Transfer interrupted: %v", err)
		return outcomeFailed
	}
	category := utils.CategorizeError(err)
	o.stats.AddError(category)
	log.WithField("error_type", category).Errorf("Download failed: %v", err)
	o.record(task, models.TransferEntry{
		Status:    models.TransferStatusFailure,
		Mode:      mode,
		ErrorType: category,
		Attempts:  attempts,
	}, log)
	return outcomeFailed
}

func (o *Orchestrator) record(task models.DownloadTask, entry models.TransferEntry, log *logrus.Entry) {
	entry.DestPath = task.DestPath
	entry.LastAttempt = time.Now()
	if err := o.journal.RecordTransfer(task.SourceURL, entry); err != nil {
		log.Errorf("Failed to record transfer as '%s': %v", entry.Status, err)
		o.stats.AddError(utils.CategorizeError(err))
	}
}

func (o *Orchestrator) fileSize(p string) int64 {
	info, err := o.fs.Stat(p)
	if err != nil {
		return 0
	}
	return info.Size()
}
