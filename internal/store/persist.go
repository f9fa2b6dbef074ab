package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/inercia/agentchat/internal/fileutil"
	"github.com/inercia/agentchat/internal/logging"
)

// FileName is the default name of the persisted store.
const FileName = "chat-storage.json"

// snapshotVersion is bumped when the on-disk layout changes.
const snapshotVersion = 1

// DefaultSaveInterval is the minimum interval between two writes.
const DefaultSaveInterval = 500 * time.Millisecond

type snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Rooms   []Room    `json:"rooms"`
}

// FilePersister writes room snapshots to a JSON file. Streaming replies
// produce a mutation per chunk, so writes are throttled: at most one per
// interval, with the latest snapshot always written eventually.
// It is safe for concurrent use.
type FilePersister struct {
	path    string
	limiter *rate.Limiter
	log     *slog.Logger

	mu      sync.Mutex
	pending []Room
	dirty   bool
	timer   *time.Timer
	closed  bool

	writeMu sync.Mutex
}

// NewFilePersister creates a persister writing to path. A zero interval
// uses DefaultSaveInterval.
func NewFilePersister(path string, interval time.Duration) (*FilePersister, error) {
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FilePersister{
		path:    path,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		log:     logging.Store(),
	}, nil
}

// Path returns the snapshot file path.
func (p *FilePersister) Path() string {
	return p.path
}

// Save records the snapshot and writes it now or once the throttle allows.
func (p *FilePersister) Save(rooms []Room) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.pending = rooms
	p.dirty = true
	if p.timer != nil {
		// a write is already scheduled and will pick up this snapshot
		p.mu.Unlock()
		return
	}

	r := p.limiter.Reserve()
	delay := r.Delay()
	if delay == 0 {
		p.mu.Unlock()
		p.flushLogged()
		return
	}
	p.timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		p.timer = nil
		p.mu.Unlock()
		p.flushLogged()
	})
	p.mu.Unlock()
}

func (p *FilePersister) flushLogged() {
	if err := p.Flush(); err != nil {
		p.log.Error("failed to persist chat store", "path", p.path, "error", err)
	}
}

// Flush writes the latest pending snapshot, if any.
func (p *FilePersister) Flush() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return nil
	}
	rooms := p.pending
	p.dirty = false
	p.mu.Unlock()

	return writeSnapshot(p.path, snapshot{
		Version: snapshotVersion,
		SavedAt: time.Now(),
		Rooms:   rooms,
	})
}

// Close cancels any scheduled write and flushes synchronously.
func (p *FilePersister) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	return p.Flush()
}

// writeSnapshot replaces the file at path so readers never observe a
// partial snapshot.
func writeSnapshot(path string, snap snapshot) error {
	if err := fileutil.WriteJSONAtomic(path, snap, 0o644); err != nil {
		return fmt.Errorf("write chat store: %w", err)
	}
	return nil
}

// LoadFile reads a persisted snapshot. A missing or empty file yields no
// rooms and no error.
func LoadFile(path string) ([]Room, error) {
	var snap snapshot
	if err := fileutil.ReadJSON(path, &snap); err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, fileutil.ErrEmptyFile) {
			return nil, nil
		}
		return nil, fmt.Errorf("read chat store: %w", err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("chat store %s has unsupported version %d", path, snap.Version)
	}
	return snap.Rooms, nil
}

// Open creates a store backed by the file at path: existing rooms are
// restored and every later mutation is persisted.
func Open(path string, interval time.Duration, opts ...Option) (*Store, error) {
	rooms, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := NewFilePersister(path, interval)
	if err != nil {
		return nil, err
	}
	s := New(opts...)
	if len(rooms) > 0 {
		s.Restore(rooms)
	}
	// attached after Restore so loading does not rewrite the file
	s.persister = p
	return s, nil
}
