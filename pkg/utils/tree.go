package utils

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

const (
	indentPrefix    = "    "
	entryPrefix     = "├── "
	lastEntryPrefix = "└── "
	verticalLine    = "│   "
)

// TreeSummary totals what GenerateAndSaveTreeStructure walked
type TreeSummary struct {
	Dirs  int
	Files int
	Bytes int64
}

// GenerateAndSaveTreeStructure walks the mirrored targetDir and writes a text tree of it
// (files annotated with their size) to outputFilePath. Entries whose name ends in one of
// hiddenSuffixes (e.g. transfer control records) are left out.
func GenerateAndSaveTreeStructure(targetDir, outputFilePath string, hiddenSuffixes []string, log *logrus.Entry) (TreeSummary, error) {
	var summary TreeSummary
	if info, err := os.Stat(targetDir); err != nil {
		return summary, fmt.Errorf("%w: checking target directory '%s': %w", ErrFilesystem, targetDir, err)
	} else if !info.IsDir() {
		return summary, fmt.Errorf("%w: target '%s' is not a directory", ErrFilesystem, targetDir)
	}

	file, err := os.Create(outputFilePath)
	if err != nil {
		return summary, fmt.Errorf("%w: creating tree file '%s': %w", ErrFilesystem, outputFilePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	if _, err := fmt.Fprintf(writer, "Mirror Structure for: %s\n%s\n\n%s/\n",
		targetDir, strings.Repeat("=", 22+len(targetDir)), filepath.Base(targetDir)); err != nil {
		return summary, err
	}

	walker := &treeWalker{w: writer, hidden: hiddenSuffixes, log: log, summary: &summary}
	if err := walker.walk(targetDir, ""); err != nil {
		log.Errorf("Error occurred during tree walk for '%s': %v", targetDir, err)
		return summary, fmt.Errorf("generating tree structure for '%s': %w", targetDir, err)
	}

	_, err = fmt.Fprintf(writer, "\n%d directories, %d files, %s\n", summary.Dirs, summary.Files, humanize.Bytes(uint64(summary.Bytes)))
	return summary, err
}

type treeWalker struct {
	w       io.Writer
	hidden  []string
	log     *logrus.Entry
	summary *TreeSummary
}

func (tw *treeWalker) isHidden(name string) bool {
	for _, suffix := range tw.hidden {
		if suffix != "" && strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func (tw *treeWalker) walk(dirPath, indent string) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("%w: reading directory '%s': %w", ErrFilesystem, dirPath, err)
	}
	entries = slices.DeleteFunc(entries, func(e os.DirEntry) bool { return tw.isHidden(e.Name()) })

	// Directories first, then case-insensitive by name
	slices.SortFunc(entries, func(a, b os.DirEntry) int {
		if a.IsDir() != b.IsDir() {
			if a.IsDir() {
				return -1
			}
			return 1
		}
		return strings.Compare(strings.ToLower(a.Name()), strings.ToLower(b.Name()))
	})

	for i, entry := range entries {
		isLast := i == len(entries)-1
		connector := entryPrefix
		nextIndent := indent + verticalLine
		if isLast {
			connector = lastEntryPrefix
			nextIndent = indent + indentPrefix
		}

		if entry.IsDir() {
			tw.summary.Dirs++
			if _, err := fmt.Fprintf(tw.w, "%s%s%s/\n", indent, connector, entry.Name()); err != nil {
				return err
			}
			if err := tw.walk(filepath.Join(dirPath, entry.Name()), nextIndent); err != nil {
				return err
			}
			continue
		}

		var size int64
		if info, infoErr := entry.Info(); infoErr == nil {
			size = info.Size()
		} else {
			tw.log.Debugf("Could not stat '%s': %v", entry.Name(), infoErr)
		}
		tw.summary.Files++
		tw.summary.Bytes += size
		if _, err := fmt.Fprintf(tw.w, "%s%s%s (%s)\n", indent, connector, entry.Name(), humanize.Bytes(uint64(size))); err != nil {
			return err
		}
	}
	return nil
}
