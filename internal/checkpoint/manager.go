package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

// DefaultTTL is how long a checkpoint stays usable.
const DefaultTTL = 24 * time.Hour

const lockRetryDelay = 20 * time.Millisecond

// Manager reads and writes checkpoint files in one directory. Access to a
// key is serialized within the process by a mutex and across processes by a
// lock file next to the checkpoint.
type Manager struct {
	dir    string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the checkpoint lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a manager storing checkpoints under dir.
func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{
		dir:    dir,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "checkpoint")
	return m
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string {
	return m.dir
}

// TTL returns the checkpoint lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Key returns the file key for a chapter.
func Key(bookID, chapterID int64) string {
	return fmt.Sprintf("%d_%d", bookID, chapterID)
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, key+".json")
}

// lock takes the in-process and file locks for key. The returned func
// releases both.
func (m *Manager) lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	mu, ok := m.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[key] = mu
	}
	m.mu.Unlock()

	mu.Lock()
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	fl := flock.New(filepath.Join(m.dir, key+".lock"))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		mu.Unlock()
		if err == nil {
			err = errors.New("lock not acquired")
		}
		return nil, fmt.Errorf("lock checkpoint %s: %w", key, err)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			m.logger.Warn("failed to release checkpoint lock", "key", key, "error", err)
		}
		mu.Unlock()
	}, nil
}

// Load returns the checkpoint for a chapter when it exists, is younger than
// the TTL and was taken from the same content. Any other checkpoint file is
// deleted and reported as absent.
func (m *Manager) Load(ctx context.Context, bookID, chapterID, contentHash int64) (*Checkpoint, bool) {
	key := Key(bookID, chapterID)
	unlock, err := m.lock(ctx, key)
	if err != nil {
		m.logger.Warn("checkpoint load skipped", "key", key, "error", err)
		return nil, false
	}
	defer unlock()

	cp, _, err := m.read(key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false
	}
	if err != nil {
		m.logger.Warn("discarding unreadable checkpoint", "key", key, "error", err)
		m.remove(key)
		return nil, false
	}

	switch {
	case cp.Version != Version:
		m.logger.Info("discarding checkpoint with unknown version", "key", key, "version", cp.Version)
	case m.expired(cp.Timestamp):
		m.logger.Info("discarding expired checkpoint", "key", key, "age", m.now().Sub(cp.Timestamp).Round(time.Second))
	case cp.ContentHash != contentHash:
		m.logger.Info("discarding checkpoint for changed content", "key", key)
	case cp.BookID != bookID || cp.ChapterID != chapterID:
		m.logger.Warn("discarding checkpoint for another chapter", "key", key,
			"book_id", cp.BookID, "chapter_id", cp.ChapterID)
	case !cp.LastCompletedStep.Valid():
		m.logger.Warn("discarding checkpoint with unknown step", "key", key, "step", int(cp.LastCompletedStep))
	default:
		m.logger.Debug("checkpoint loaded", "key", key, "step", cp.LastCompletedStep.String())
		return cp, true
	}
	m.remove(key)
	return nil, false
}

// Save writes cp atomically and stamps its timestamp.
func (m *Manager) Save(ctx context.Context, cp *Checkpoint) error {
	key := Key(cp.BookID, cp.ChapterID)
	unlock, err := m.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	cp.Version = Version
	cp.Timestamp = m.now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := renameio.WriteFile(m.path(key), data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", key, err)
	}
	m.logger.Debug("checkpoint saved", "key", key, "step", cp.LastCompletedStep.String(), "bytes", len(data))
	return nil
}

// Delete removes a chapter's checkpoint. A missing file is not an error.
func (m *Manager) Delete(ctx context.Context, bookID, chapterID int64) error {
	return m.DeleteKey(ctx, Key(bookID, chapterID))
}

// DeleteKey removes the checkpoint stored under key.
func (m *Manager) DeleteKey(ctx context.Context, key string) error {
	unlock, err := m.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(m.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete checkpoint %s: %w", key, err)
	}
	return nil
}

// List describes every checkpoint file, sorted by key. A missing directory
// yields an empty list.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(name, ".json")
		info := Info{Key: key}
		fmt.Sscanf(key, "%d_%d", &info.BookID, &info.ChapterID)

		cp, size, err := m.read(key)
		info.Size = size
		if err != nil {
			info.Corrupt = true
		} else {
			info.BookID = cp.BookID
			info.ChapterID = cp.ChapterID
			info.Step = cp.LastCompletedStep
			info.Timestamp = cp.Timestamp
			info.Expired = m.expired(cp.Timestamp)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Sweep deletes expired and corrupt checkpoints and returns how many were
// removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	infos, err := m.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range infos {
		if !info.Expired && !info.Corrupt {
			continue
		}
		if err := m.DeleteKey(ctx, info.Key); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("swept checkpoints", "removed", removed)
	}
	return removed, nil
}

func (m *Manager) expired(ts time.Time) bool {
	return m.now().Sub(ts) >= m.ttl
}

func (m *Manager) read(key string) (*Checkpoint, int64, error) {
	data, err := os.ReadFile(m.path(key))
	if err != nil {
		return nil, 0, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, int64(len(data)), fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &cp, int64(len(data)), nil
}

func (m *Manager) remove(key string) {
	if err := os.Remove(m.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to delete checkpoint", "key", key, "error", err)
	}
}
