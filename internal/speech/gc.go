package speech

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pveiga/oraculo/internal/session"
)

const (
	defaultGCInterval  = time.Hour
	defaultGCRetention = 14 * 24 * time.Hour
)

// sessionLister is the slice of the session layer the sweeper needs.
// Both session.Manager and session.FSStore satisfy it.
type sessionLister interface {
	List() ([]*session.Session, error)
	Paths(id string) session.Paths
}

// GCConfig tunes the artifact sweeper.
type GCConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// Retention is how long artifacts live regardless of storage pressure.
	Retention time.Duration
	// MaxStorageBytes caps the total TTS footprint across all sessions.
	// Zero disables the cap.
	MaxStorageBytes int64
}

func (c GCConfig) withDefaults() GCConfig {
	if c.Interval <= 0 {
		c.Interval = defaultGCInterval
	}
	if c.Retention <= 0 {
		c.Retention = defaultGCRetention
	}
	return c
}

// GCStats summarizes one sweep.
type GCStats struct {
	Scanned        int
	RemovedExpired int
	RemovedOverCap int
	BytesFreed     int64
	BytesInUse     int64
}

// GC periodically prunes TTS artifacts: first everything older than the
// retention window, then, when the storage cap is exceeded, the oldest
// artifacts until the total fits again.
type GC struct {
	sessions sessionLister
	cfg      GCConfig
	clock    func() time.Time

	runMu   sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}
}

// GCOption customises a GC.
type GCOption func(*GC)

// WithGCClock overrides the time source, for tests.
func WithGCClock(clock func() time.Time) GCOption {
	return func(g *GC) { g.clock = clock }
}

// NewGC builds a sweeper over the session layer.
func NewGC(sessions sessionLister, cfg GCConfig, opts ...GCOption) *GC {
	g := &GC{
		sessions: sessions,
		cfg:      cfg.withDefaults(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start launches the sweep loop. Safe to call again after Stop.
func (g *GC) Start(ctx context.Context) {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	if g.running {
		return
	}
	g.running = true
	g.quit = make(chan struct{})
	g.done = make(chan struct{})
	go g.loop(ctx, g.quit, g.done)
}

// Stop halts the sweep loop and waits for it to exit.
func (g *GC) Stop() {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	if !g.running {
		return
	}
	g.running = false
	close(g.quit)
	<-g.done
}

func (g *GC) loop(ctx context.Context, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := g.Sweep(g.clock())
			if err != nil {
				slog.Warn("speech: tts sweep failed", "error", err)
				continue
			}
			if stats.RemovedExpired+stats.RemovedOverCap > 0 {
				slog.Info("speech: tts artifacts pruned",
					"removed_expired", stats.RemovedExpired,
					"removed_over_cap", stats.RemovedOverCap,
					"bytes_freed", stats.BytesFreed,
					"bytes_in_use", stats.BytesInUse)
			}
		}
	}
}

type ttsArtifact struct {
	path    string
	size    int64
	modTime time.Time
}

// Sweep runs one pass over every session's TTS directory.
func (g *GC) Sweep(now time.Time) (GCStats, error) {
	var stats GCStats

	sessions, err := g.sessions.List()
	if err != nil {
		return stats, fmt.Errorf("speech: sweep: %w", err)
	}

	var artifacts []ttsArtifact
	for _, s := range sessions {
		dir := g.sessions.Paths(s.ID).TTSDir
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("speech: unreadable tts dir", "dir", dir, "error", err)
			}
			continue
		}
		for _, ent := range entries {
			if ent.IsDir() || filepath.Ext(ent.Name()) == keySidecarExt {
				continue
			}
			info, err := ent.Info()
			if err != nil {
				continue
			}
			artifacts = append(artifacts, ttsArtifact{
				path:    filepath.Join(dir, ent.Name()),
				size:    info.Size(),
				modTime: info.ModTime(),
			})
		}
	}
	stats.Scanned = len(artifacts)

	cutoff := now.Add(-g.cfg.Retention)
	kept := artifacts[:0]
	for _, a := range artifacts {
		if a.modTime.Before(cutoff) {
			removeArtifact(a.path)
			stats.RemovedExpired++
			stats.BytesFreed += a.size
			continue
		}
		kept = append(kept, a)
		stats.BytesInUse += a.size
	}

	if g.cfg.MaxStorageBytes > 0 && stats.BytesInUse > g.cfg.MaxStorageBytes {
		sort.Slice(kept, func(i, j int) bool { return kept[i].modTime.Before(kept[j].modTime) })
		for _, a := range kept {
			if stats.BytesInUse <= g.cfg.MaxStorageBytes {
				break
			}
			removeArtifact(a.path)
			stats.RemovedOverCap++
			stats.BytesFreed += a.size
			stats.BytesInUse -= a.size
		}
	}
	return stats, nil
}

// removeArtifact drops the audio file and its key sidecar.
func removeArtifact(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("speech: artifact removal failed", "path", path, "error", err)
	}
	if err := os.Remove(path + keySidecarExt); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("speech: sidecar removal failed", "path", path, "error", err)
	}
}
