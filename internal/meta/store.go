package meta

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/source"
)

// Store is a read-through metadata cache keyed by datasource content hash.
// Safe for concurrent readers; entries are replaced atomically, never
// mutated in place.
type Store struct {
	loader  *Loader
	cache   *lru.Cache[string, *Metadata]
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu sync.Mutex
	// watched maps a watched directory back to the cache keys it serves.
	watched map[string][]string
}

// NewStore creates a Store holding up to size metadata snapshots.
func NewStore(size int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cache, err := lru.New[string, *Metadata](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}
	s := &Store{
		loader:  NewLoader(logger),
		cache:   cache,
		logger:  logger,
		watched: make(map[string][]string),
	}
	if w, err := fsnotify.NewWatcher(); err == nil {
		s.watcher = w
		go s.watchLoop()
	} else {
		// Without a watcher the store still works; staleness is caught by
		// the ModTime check on Get.
		logger.Warn("filesystem watcher unavailable", "error", err)
	}
	return s, nil
}

// Get returns the metadata snapshot for a datasource, loading it on first
// use and refreshing it when the source looks newer than the cached copy.
func (s *Store) Get(ctx context.Context, ds *config.Datasource, loc *source.Location) (*Metadata, error) {
	key := ds.Hash()
	if m, ok := s.cache.Get(key); ok {
		if m == None || !s.stale(m) {
			return m, nil
		}
		next, err := s.loader.Refresh(ctx, m)
		if err != nil {
			return nil, err
		}
		s.cache.Add(key, next)
		return next, nil
	}

	m, err := s.loader.Load(ctx, loc, ds.Format)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, m)
	if m != None && !loc.Remote() {
		s.watch(loc.Path, key)
	}
	return m, nil
}

// Invalidate drops the cached snapshot for a datasource.
func (s *Store) Invalidate(ds *config.Datasource) {
	s.cache.Remove(ds.Hash())
}

// Close releases the filesystem watcher.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// stale compares the source's on-disk modification time with the snapshot.
func (s *Store) stale(m *Metadata) bool {
	target := m.location
	if m.Version >= 0 {
		target = filepath.Join(m.location, deltaLogDir)
	}
	st, err := os.Stat(target)
	if err != nil {
		return true
	}
	return st.ModTime().After(m.ModTime)
}

func (s *Store) watch(path, key string) {
	if s.watcher == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watched[path]; !ok {
		if err := s.watcher.Add(path); err != nil {
			s.logger.Debug("failed to watch source", "path", path, "error", err)
			return
		}
	}
	s.watched[path] = append(s.watched[path], key)
}

func (s *Store) keysFor(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.watched[path]...)
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			dir := filepath.Dir(ev.Name)
			for _, candidate := range []string{ev.Name, dir} {
				keys := s.keysFor(candidate)
				for _, key := range keys {
					s.cache.Remove(key)
				}
				if len(keys) > 0 {
					s.logger.Debug("invalidated metadata after change", "path", candidate)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Debug("watcher error", "error", err)
		}
	}
}
