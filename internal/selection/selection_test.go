package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesEmptySelectionMeansAll(t *testing.T) {
	assert.True(t, Matches("anything/goes.mkv", nil))
	assert.True(t, Matches("anything/goes.mkv", []string{}))
}

func TestMatchesExactAndDescendant(t *testing.T) {
	selected := []string{"Season 1", "extras/poster.jpg"}

	assert.True(t, Matches("Season 1/ep01.mkv", selected))
	assert.True(t, Matches("season 1/ep02.mkv", selected))
	assert.True(t, Matches("extras/poster.jpg", selected))
	assert.False(t, Matches("Season 2/ep01.mkv", selected))
}

func TestMatchesNormalizesSeparatorsAndCase(t *testing.T) {
	selected := []string{`Season 1\Sub`}
	assert.True(t, Matches("SEASON 1/sub/file.srt", selected))
}

func TestMatchesRejectsPartialDirectoryPrefix(t *testing.T) {
	selected := []string{"Season 1"}
	assert.False(t, Matches("Season 10/ep01.mkv", selected))
}

func TestIsEngineMetadata(t *testing.T) {
	assert.True(t, IsEngineMetadata("dht_nodes.cache"))
	assert.True(t, IsEngineMetadata("session.fresume"))
	assert.True(t, IsEngineMetadata("routing.dht"))
	assert.False(t, IsEngineMetadata("movie.torrent"))
	assert.False(t, IsEngineMetadata("episode.mkv"))
}
