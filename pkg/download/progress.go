package download

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const progressInterval = 5 * time.Second

// progressWriter counts streamed bytes and logs throttled progress lines.
// It is only attached to transfers above the progress threshold.
type progressWriter struct {
	log       *logrus.Entry
	done      int64
	total     int64 // -1 when unknown
	started   time.Time
	sometimes rate.Sometimes
}

func newProgressWriter(log *logrus.Entry, offset, total int64) *progressWriter {
	return &progressWriter{
		log:       log,
		done:      offset,
		total:     total,
		started:   time.Now(),
		sometimes: rate.Sometimes{Interval: progressInterval},
	}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	p.sometimes.Do(p.report)
	return len(b), nil
}

func (p *progressWriter) report() {
	speed := float64(p.done) / max(time.Since(p.started).Seconds(), 1)
	if p.total > 0 {
		p.log.Infof("Progress: %s / %s (%.0f%%) at %s/s",
			humanize.IBytes(uint64(p.done)), humanize.IBytes(uint64(p.total)),
			float64(p.done)*100/float64(p.total), humanize.IBytes(uint64(speed)))
		return
	}
	p.log.Infof("Progress: %s at %s/s", humanize.IBytes(uint64(p.done)), humanize.IBytes(uint64(speed)))
}
