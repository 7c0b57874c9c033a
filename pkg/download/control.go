package download

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

const controlURIPrefix = "uri="

// DirectRecordSuffix marks a partial file left by the built-in streamer. It differs from the
// external downloader's suffix so that neither tool is handed state written by the other.
const DirectRecordSuffix = ".vxpart"

// ControlPath returns the sidecar path that marks destPath as an unfinished transfer
func ControlPath(destPath, suffix string) string {
	return destPath + suffix
}

// ReadControlRecord returns the source URL held by the first "uri=" line of a control record.
// Lines that are not text (the external downloader may add binary state) are ignored.
func ReadControlRecord(fs afero.Fs, path string) (string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return "", fmt.Errorf("%w: reading control record '%s': %w", utils.ErrFilesystem, path, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if uri, ok := strings.CutPrefix(line, controlURIPrefix); ok {
			uri = strings.TrimSpace(uri)
			if uri == "" {
				break
			}
			return uri, nil
		}
	}
	return "", fmt.Errorf("%w: no %s line in '%s'", utils.ErrControlRecord, controlURIPrefix, path)
}

// WriteControlRecord writes a minimal control record naming sourceURL
func WriteControlRecord(fs afero.Fs, path, sourceURL string) error {
	if err := afero.WriteFile(fs, path, []byte(controlURIPrefix+sourceURL+"\n"), 0o644); err != nil {
		return fmt.Errorf("%w: writing control record '%s': %w", utils.ErrFilesystem, path, err)
	}
	return nil
}
