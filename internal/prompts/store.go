package prompts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

// validKeyPattern matches valid prompt keys (alphanumeric with dots, underscores).
var validKeyPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._]*$`)

const overrideExt = ".tmpl"

// Store reads and writes prompt overrides in a directory, one <key>.tmpl file
// per prompt.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a new prompt store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

// Dir returns the override directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+overrideExt)
}

// Get returns the override for key, or nil if none exists.
func (s *Store) Get(ctx context.Context, key string) (*Override, error) {
	if !validKeyPattern.MatchString(key) {
		return nil, fmt.Errorf("invalid prompt key: %s", key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := s.path(key)
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat override: %w", err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read override: %w", err)
	}
	return &Override{
		Key:     key,
		Text:    string(data),
		Path:    p,
		ModTime: info.ModTime(),
	}, nil
}

// Set writes an override atomically.
func (s *Store) Set(ctx context.Context, key, text string) error {
	if !validKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid prompt key: %s", key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create prompts dir: %w", err)
	}
	if err := renameio.WriteFile(s.path(key), []byte(text), 0o644); err != nil {
		return fmt.Errorf("write override: %w", err)
	}
	s.logger.Info("set prompt override", "key", key)
	return nil
}

// Clear removes an override. A missing override is not an error.
func (s *Store) Clear(ctx context.Context, key string) error {
	if !validKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid prompt key: %s", key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove override: %w", err)
	}
	s.logger.Info("cleared prompt override", "key", key)
	return nil
}

// List returns every override in the directory, sorted by key.
func (s *Store) List(ctx context.Context) ([]Override, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prompts dir: %w", err)
	}

	var out []Override
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), overrideExt) {
			continue
		}
		key := strings.TrimSuffix(e.Name(), overrideExt)
		o, err := s.Get(ctx, key)
		if err != nil {
			s.logger.Warn("skipping unreadable override", "file", e.Name(), "error", err)
			continue
		}
		if o != nil {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
