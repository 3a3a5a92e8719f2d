package netutil

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoffDefaultsToMinForUnknownProvider(t *testing.T) {
	cc := NewCongestionController(time.Second, 30*time.Second)
	assert.Equal(t, time.Second, cc.NextBackoff("s3"))
}

func TestNextBackoffDoublesOnError(t *testing.T) {
	cc := NewCongestionController(time.Second, 30*time.Second)
	cc.RecordOutcome("s3", errors.New("boom"))
	assert.Equal(t, 2*time.Second, cc.NextBackoff("s3"))

	cc.RecordOutcome("s3", errors.New("boom again"))
	assert.Equal(t, 4*time.Second, cc.NextBackoff("s3"))
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	cc := NewCongestionController(10*time.Second, 15*time.Second)
	cc.RecordOutcome("s3", errors.New("boom"))
	assert.Equal(t, 15*time.Second, cc.NextBackoff("s3"))
}

func TestNextBackoffDecaysAfterSuccessRun(t *testing.T) {
	cc := NewCongestionController(time.Second, 30*time.Second)
	cc.RecordOutcome("s3", errors.New("boom"))
	cc.RecordOutcome("s3", errors.New("boom"))
	assert.Equal(t, 4*time.Second, cc.NextBackoff("s3"))

	for i := 0; i < 4; i++ {
		cc.RecordOutcome("s3", nil)
	}
	assert.Equal(t, 2*time.Second, cc.NextBackoff("s3"))
}

func TestProvidersTrackedIndependently(t *testing.T) {
	cc := NewCongestionController(time.Second, 30*time.Second)
	cc.RecordOutcome("s3", errors.New("boom"))
	assert.Equal(t, 2*time.Second, cc.NextBackoff("s3"))
	assert.Equal(t, time.Second, cc.NextBackoff("gdrive"))
}
