// Package selection implements the file selection and engine-metadata
// exclusion rules shared by the download worker and both upload executors.
package selection

import (
	"path"
	"strings"
)

// Matches reports whether relativePath is selected by selectedPaths.
// A nil/empty selectedPaths means "all files". Otherwise a path is
// selected iff it equals a selected entry or is a descendant of one,
// case-insensitively, with separators normalized to '/'.
func Matches(relativePath string, selectedPaths []string) bool {
	if len(selectedPaths) == 0 {
		return true
	}
	candidate := normalize(relativePath)
	for _, sel := range selectedPaths {
		selNorm := normalize(sel)
		if candidate == selNorm || strings.HasPrefix(candidate, selNorm+"/") {
			return true
		}
	}
	return false
}

func normalize(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.ToLower(path.Clean(p))
}

// engineMetadataExact and engineMetadataSuffixes name the files considered
// engine metadata, excluded
// from the uploaded set. *.torrent is deliberately included in uploads by
// default, matching the newer of two divergent source variants.
var engineMetadataExact = map[string]bool{
	"dht_nodes.cache": true,
	"fastresume":      true,
}

var engineMetadataSuffixes = []string{".fresume", ".dht"}

// IsEngineMetadata reports whether a filename (not a full path) is engine
// metadata that must never be uploaded as user content.
func IsEngineMetadata(filename string) bool {
	lower := strings.ToLower(filename)
	if engineMetadataExact[lower] {
		return true
	}
	for _, suffix := range engineMetadataSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
