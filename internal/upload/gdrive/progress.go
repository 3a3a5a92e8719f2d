package gdrive

import (
	"time"

	"jobpipeline/internal/upload"
)

// progressReporter throttles DB/log updates per §4.5.1's "Progress
// reporter (throttled)" rule: update the caller's report only when
// percent complete advances by at least 5 points, a file just completed
// and percent increased, or 30s have passed since the last report.
type progressReporter struct {
	totalBytes    int64
	completed     int64
	lastPercent   int
	report        upload.ProgressReport
	lastLogTime   time.Time
}

func newProgressReporter(totalBytes int64, report upload.ProgressReport) *progressReporter {
	return &progressReporter{totalBytes: totalBytes, report: report, lastLogTime: time.Now()}
}

func (p *progressReporter) update(currentBytesInFile int64) {
	p.maybeReport(p.completed+currentBytesInFile, false)
}

func (p *progressReporter) fileDone(fileSize int64) {
	p.completed += fileSize
	p.maybeReport(p.completed, true)
}

func (p *progressReporter) maybeReport(total int64, fileCompleted bool) {
	percent := 0
	if p.totalBytes > 0 {
		percent = int(total * 100 / p.totalBytes)
	}
	if percent-p.lastPercent >= 5 || (fileCompleted && percent > p.lastPercent) || time.Since(p.lastLogTime) >= 30*time.Second {
		p.lastPercent = percent
		p.lastLogTime = time.Now()
		if p.report != nil {
			p.report(total)
		}
	}
}
