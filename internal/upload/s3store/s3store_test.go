package s3store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartLength(t *testing.T) {
	const size = 25 * 1024 * 1024 // 3 parts: 10MiB, 10MiB, 5MiB
	totalParts := int((size + partSize - 1) / partSize)
	assert.Equal(t, 3, totalParts)

	assert.Equal(t, partSize, partLength(1, totalParts, size))
	assert.Equal(t, partSize, partLength(2, totalParts, size))
	assert.Equal(t, int64(5*1024*1024), partLength(3, totalParts, size))
}

func TestEtagSlicePreservesPartOrder(t *testing.T) {
	etags := map[int]string{2: "two", 1: "one", 3: "three"}
	assert.Equal(t, []string{"one", "two", "three"}, etagSlice(etags, 3))
}

func TestEtagSliceSkipsMissingParts(t *testing.T) {
	etags := map[int]string{1: "one", 3: "three"}
	assert.Equal(t, []string{"one", "three"}, etagSlice(etags, 3))
}

func TestKeyNamespacesByJob(t *testing.T) {
	assert.Equal(t, "torrents/5/movie.mkv", key(5, "movie.mkv"))
}
