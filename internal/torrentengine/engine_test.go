package torrentengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMagnetRecognizesMagnetURI(t *testing.T) {
	assert.True(t, isMagnet("magnet:?xt=urn:btih:abcd1234"))
}

func TestIsMagnetRejectsFilePath(t *testing.T) {
	assert.False(t, isMagnet("/data/incoming/movie.torrent"))
}

func TestIsMagnetRejectsShortString(t *testing.T) {
	assert.False(t, isMagnet("magnet"))
}
