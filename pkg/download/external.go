package download

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/vx-mirror/pkg/config"
	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

// ExternalDownloader hands a single file transfer to another process
type ExternalDownloader interface {
	Download(ctx context.Context, sourceURL, destPath string) error
}

// Aria2 runs an aria2c-compatible binary once per file.
// The binary keeps its own control file beside the partial download and deletes it on success.
type Aria2 struct {
	binary string
	args   []string
	log    *logrus.Entry
}

// NewAria2 creates an Aria2 downloader from the external downloader settings.
// cfg.Args must already be split by config validation.
func NewAria2(cfg config.ExternalDownloaderConfig, log *logrus.Entry) *Aria2 {
	return &Aria2{
		binary: cfg.Binary,
		args:   append([]string(nil), cfg.Args...),
		log:    log.WithField("mode", "external"),
	}
}

// Args returns the command line arguments used to fetch sourceURL into destPath
func (a *Aria2) Args(sourceURL, destPath string) []string {
	args := []string{
		"--continue=true",
		"--auto-file-renaming=false",
		"--allow-overwrite=true",
		"-d", filepath.Dir(destPath),
		"-o", filepath.Base(destPath),
	}
	args = append(args, a.args...)
	return append(args, sourceURL)
}

// Download implements ExternalDownloader. A non-zero exit is utils.ErrExternalDownloader, which is retryable.
func (a *Aria2) Download(ctx context.Context, sourceURL, destPath string) error {
	cmd := exec.CommandContext(ctx, a.binary, a.Args(sourceURL, destPath)...)
	a.log.WithFields(logrus.Fields{"url": sourceURL, "dest": destPath}).Debugf("Running %s", strings.Join(cmd.Args, " "))

	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s for '%s': %v: %s", utils.ErrExternalDownloader, a.binary, sourceURL, err, lastLine(out))
	}
	return nil
}

// lastLine returns the last non-empty line of process output, which is usually the failure reason
func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
