package torrentengine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fastResumeFileName is written into a job's downloadPath, alongside the
// engine's own DHT node cache; both are excluded from uploads by the
// selection package's engine-metadata filter.
const fastResumeFileName = "session.fresume"

// fastResumeSnapshot is what gets persisted every 30s per the monitor
// loop, and loaded back on Engine.Open. anacrolix/torrent has no native
// "fast resume" file of its own (it re-verifies against its own piece
// completion store on disk), so this snapshot exists purely so a restart
// can restore the peak completed-byte count for the same info hash.
// DHTCachePath is not populated by SaveState and is ignored on load.
type fastResumeSnapshot struct {
	InfoHash     string    `json:"infoHash"`
	PeakBytes    int64     `json:"peakBytes"`
	SavedAt      time.Time `json:"savedAt"`
	DHTCachePath string    `json:"dhtCachePath,omitempty"`
}

// SaveState writes the current high-water-mark snapshot to downloadPath.
func (s *Session) SaveState() error {
	s.mu.Lock()
	snap := fastResumeSnapshot{
		InfoHash:  s.t.InfoHash().HexString(),
		PeakBytes: s.peak,
		SavedAt:   time.Now().UTC(),
	}
	s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling fast-resume snapshot: %w", err)
	}

	path := filepath.Join(s.dataDir, fastResumeFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing fast-resume snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing fast-resume snapshot: %w", err)
	}
	return nil
}

// loadFastResume reads a previously-saved snapshot, if one exists and its
// info hash matches this session's torrent. A mismatched or missing
// snapshot is not an error: the session just starts from zero peak and
// anacrolix re-verifies from disk.
func (s *Session) loadFastResume(downloadPath string) error {
	path := filepath.Join(downloadPath, fastResumeFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading fast-resume snapshot: %w", err)
	}

	var snap fastResumeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parsing fast-resume snapshot: %w", err)
	}

	if snap.InfoHash != s.t.InfoHash().HexString() {
		return nil
	}

	s.mu.Lock()
	s.peak = snap.PeakBytes
	s.mu.Unlock()
	return nil
}
