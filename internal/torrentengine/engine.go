// Package torrentengine wraps github.com/anacrolix/torrent behind the
// opaque {add, start, stop, save-state, progress, file-priority, state}
// surface the download worker is specified against. It is adapted from
// the anacrolix-based session engine in the retrieval pack: a session map
// keyed by info hash, a small state machine, and a high-water-mark
// tracker for completed-byte counts, which regress transiently while
// anacrolix re-verifies pieces against disk after a restart.
package torrentengine

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/types"
)

// State is the engine-observable lifecycle of one session.
type State string

const (
	StateIdle        State = "Idle"
	StateDownloading State = "Downloading"
	StateSeeding     State = "Seeding"
	StateError       State = "Error"
	StateStopped     State = "Stopped"
)

// Config configures the engine's anacrolix client.
type Config struct {
	DataDir     string
	MaxSessions int
}

// Engine owns the torrent sessions it has opened, each keyed by info hash.
// Config.MaxSessions is not enforced: Open adds sessions without a cap.
type Engine struct {
	mu       sync.Mutex
	client   *torrent.Client
	sessions map[string]*Session
	dataDir  string
}

// Session is one job's torrent, with fast-resume and priority control.
type Session struct {
	mu       sync.Mutex
	t        *torrent.Torrent
	dataDir  string
	state    State
	lastErr  error
	peak     int64 // high-water mark of BytesCompleted, since anacrolix can regress during re-verification
	peakBitfield []bool
	startedAt time.Time
}

// New constructs an Engine. cfg.DataDir is the base directory the
// anacrolix client stores piece data under; callers pass a job-specific
// subdirectory as each session's own download path.
func New(cfg Config) (*Engine, error) {
	clientCfg := torrent.NewDefaultClientConfig()
	clientCfg.DataDir = cfg.DataDir
	clientCfg.NoDHT = false
	clientCfg.Seed = false

	client, err := torrent.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("creating torrent client: %w", err)
	}

	return &Engine{
		client:   client,
		sessions: make(map[string]*Session),
		dataDir:  cfg.DataDir,
	}, nil
}

// Close shuts down the underlying client and all sessions.
func (e *Engine) Close() {
	e.client.Close()
}

// Open adds a torrent (magnet URI or local .torrent file path) and
// returns its Session, loading a .fresume snapshot from downloadPath if
// present. ctx bounds how long metadata resolution may take.
func (e *Engine) Open(ctx context.Context, src string, downloadPath string) (*Session, error) {
	var t *torrent.Torrent
	var err error

	if isMagnet(src) {
		t, err = e.client.AddMagnet(src)
	} else {
		t, _, err = e.client.AddTorrentFromFile(src)
	}
	if err != nil {
		return nil, fmt.Errorf("adding torrent: %w", err)
	}

	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		t.Drop()
		return nil, fmt.Errorf("waiting for torrent metadata: %w", ctx.Err())
	}

	sess := &Session{
		t:       t,
		dataDir: downloadPath,
		state:   StateIdle,
	}

	if err := sess.loadFastResume(downloadPath); err != nil {
		// Non-fatal: proceed without the snapshot, just re-verify from scratch.
		sess.peakBitfield = nil
	}

	e.mu.Lock()
	e.sessions[t.InfoHash().HexString()] = sess
	e.mu.Unlock()

	return sess, nil
}

func isMagnet(src string) bool {
	return len(src) > 7 && src[:7] == "magnet:"
}

// SetFilePriority sets per-file download priority, matching the download
// worker's selection step: Normal for selected files, DoNotDownload
// otherwise.
func (s *Session) SetFilePriority(relativePath string, download bool) {
	for _, f := range s.t.Files() {
		if f.Path() != relativePath {
			continue
		}
		if download {
			f.SetPriority(types.PiecePriorityNormal)
		} else {
			f.SetPriority(types.PiecePriorityNone)
		}
		return
	}
}

// Start begins downloading the selected files.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = time.Now()
	s.t.DownloadAll()
	s.state = StateDownloading
}

// Stop drops the torrent from the client, releasing its resources. The
// caller should SaveState before calling Stop if the session should be
// resumable.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t.Drop()
	s.state = StateStopped
	runtime.GC()
	debug.FreeOSMemory()
}

// Progress returns the completion fraction in [0,1], using the
// high-water mark so a transient re-verification dip never regresses
// the reported progress.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := s.t.BytesCompleted()
	if completed > s.peak {
		s.peak = completed
	}
	total := s.t.Info().TotalLength()
	if total <= 0 {
		return 0
	}
	return float64(s.peak) / float64(total)
}

// BytesCompleted returns the high-water-mark byte count.
func (s *Session) BytesCompleted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.t.BytesCompleted(); c > s.peak {
		s.peak = c
	}
	return s.peak
}

// State reports the session's current lifecycle state. Seeding is
// inferred from 100% completion since anacrolix has no explicit seed
// flag surfaced here (Config.Seed is false; once fully downloaded the
// session is simply done).
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr != nil {
		return StateError
	}
	if s.state == StateStopped {
		return s.state
	}
	total := s.t.Info().TotalLength()
	if total > 0 && s.peak >= total {
		return StateSeeding
	}
	return s.state
}

// Files lists the torrent's files as (relativePath, length) pairs.
func (s *Session) Files() []FileInfo {
	files := s.t.Files()
	out := make([]FileInfo, len(files))
	for i, f := range files {
		out[i] = FileInfo{Path: f.Path(), Length: f.Length()}
	}
	return out
}

// FileInfo describes one file inside a torrent.
type FileInfo struct {
	Path   string
	Length int64
}

// InfoHash returns the session's info hash as a hex string, used as the
// fast-resume file's identity check.
func (s *Session) InfoHash() string {
	return s.t.InfoHash().HexString()
}

// DataDir returns the filesystem root files in this session are written
// under, for callers that need to build absolute paths from Files().
func (s *Session) DataDir() string {
	return s.dataDir
}
