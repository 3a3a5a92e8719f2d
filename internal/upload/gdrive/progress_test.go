package gdrive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressReporterReportsOnFivePointJump(t *testing.T) {
	var reported []int64
	p := newProgressReporter(100, func(total int64) { reported = append(reported, total) })

	p.update(3) // 3% — below the 5-point threshold
	assert.Empty(t, reported)

	p.update(5) // 5% — crosses the threshold
	assert.Equal(t, []int64{5}, reported)
}

func TestProgressReporterFileDoneAccumulates(t *testing.T) {
	var reported []int64
	p := newProgressReporter(100, func(total int64) { reported = append(reported, total) })

	p.fileDone(10)
	p.fileDone(10)
	assert.Equal(t, []int64{10, 20}, reported)
}

func TestProgressReporterNilReportIsSafe(t *testing.T) {
	p := newProgressReporter(100, nil)
	assert.NotPanics(t, func() { p.update(50) })
}

func TestEscapeQueryEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `it\'s a file`, escapeQuery(`it's a file`))
}

func TestEscapeQueryLeavesPlainStringsUntouched(t *testing.T) {
	assert.Equal(t, "movie.mkv", escapeQuery("movie.mkv"))
}
