package log

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger: full timestamps with milliseconds, written to out.
// An unparsable level falls back to info; the returned warning is non-empty in that case.
func NewLogger(out io.Writer, level string) (logger *logrus.Logger, warning string) {
	logger = logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.SetLevel(logrus.InfoLevel)

	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return logger, "invalid log level '" + level + "', using default 'info'"
	}
	logger.SetLevel(parsed)
	return logger, ""
}

// BadgerLogrusAdapter implements badger.Logger on top of a logrus entry.
// Badger is chatty at info level, so its info messages are demoted to debug.
type BadgerLogrusAdapter struct {
	*logrus.Entry
}

// NewBadgerLogrusAdapter creates a new adapter
func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{entry}
}

func (l *BadgerLogrusAdapter) Errorf(f string, v ...any)   { l.Entry.Errorf(strings.TrimSpace(f), v...) }
func (l *BadgerLogrusAdapter) Warningf(f string, v ...any) { l.Entry.Warnf(strings.TrimSpace(f), v...) }
func (l *BadgerLogrusAdapter) Infof(f string, v ...any)    { l.Entry.Debugf(strings.TrimSpace(f), v...) }
func (l *BadgerLogrusAdapter) Debugf(f string, v ...any)   { l.Entry.Tracef(strings.TrimSpace(f), v...) }
