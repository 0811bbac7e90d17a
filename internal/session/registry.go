// Package session keeps one account cache per web session and serializes
// the requests of a session while they use it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"aaronromeo.com/identityswitch/internal/cache"
	"aaronromeo.com/identityswitch/pkg/utils"
)

const DefaultTTL = 30 * time.Minute

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Source supplies the identity records a new session is seeded with.
type Source interface {
	Identities(ctx context.Context, user string) (map[int]cache.Identity, error)
}

type SourceFunc func(ctx context.Context, user string) (map[int]cache.Identity, error)

func (f SourceFunc) Identities(ctx context.Context, user string) (map[int]cache.Identity, error) {
	return f(ctx, user)
}

// Session is one user's account cache. Store is only valid between
// Acquire and the matching release.
type Session struct {
	ID    string
	User  string
	Store *cache.Store

	mu       sync.Mutex
	seeded   bool
	lastSeen time.Time
}

type Option func(*Registry) error

func WithSource(src Source) Option {
	return func(r *Registry) error {
		r.source = src
		return nil
	}
}

// WithDir sets the directory holding the per-session snapshot and data
// files. Relative paths are resolved against the working directory.
func WithDir(dir string) Option {
	return func(r *Registry) error {
		if dir == "" {
			return errors.New("requires session dir")
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("resolving session dir %q: %w", dir, err)
		}
		r.dir = abs
		return nil
	}
}

// WithConfig sets the polling configuration every new session starts with.
func WithConfig(cfg cache.Config) Option {
	return func(r *Registry) error {
		r.config = cfg
		return nil
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) error {
		r.ttl = ttl
		return nil
	}
}

func WithFileManager(fm utils.FileManager) Option {
	return func(r *Registry) error {
		r.fm = fm
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) error {
		r.logger = logger
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) error {
		r.now = now
		return nil
	}
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	source Source
	dir    string
	config cache.Config
	ttl    time.Duration
	fm     utils.FileManager
	logger *slog.Logger
	now    func() time.Time
}

func New(opts ...Option) (*Registry, error) {
	r := &Registry{
		sessions: make(map[string]*Session),
		dir:      os.TempDir(),
		config:   cache.DefaultConfig(),
		ttl:      DefaultTTL,
		fm:       utils.OSFileManager{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.source == nil {
		return nil, errors.New("requires identity source")
	}
	if err := r.fm.MkdirAll(r.dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session dir %q: %w", r.dir, err)
	}
	return r, nil
}

func (r *Registry) Dir() string {
	return r.dir
}

// Acquire locks the session id, creating and seeding it on first use. The
// returned release must be called exactly once.
func (r *Registry) Acquire(ctx context.Context, id, user string) (*Session, func(), error) {
	if !validID.MatchString(id) {
		return nil, nil, fmt.Errorf("invalid session id %q", id)
	}

	s := r.lock(id, user)
	if s.User != user {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("session %s belongs to another user", id)
	}
	if !s.seeded {
		records, err := r.source.Identities(ctx, user)
		if err != nil {
			s.mu.Unlock()
			return nil, nil, fmt.Errorf("loading identities for %s: %w", user, err)
		}
		s.Store.Seed(records)
		s.seeded = true
		r.logger.DebugContext(ctx, "session seeded",
			slog.String("session", id), slog.Int("identities", len(records)), slog.Int("active", s.Store.Active()))
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.lastSeen = r.now()
			s.mu.Unlock()
		})
	}
	return s, release, nil
}

// lock returns the registered session for id with its mutex held. A session
// ended while the caller waited for it is replaced by a fresh one.
func (r *Registry) lock(id, user string) *Session {
	for {
		r.mu.Lock()
		s, ok := r.sessions[id]
		if !ok {
			cfg := r.config
			cfg.Transport = nil
			cfg.Cache, cfg.Data = cache.SessionPaths(r.dir, id)
			s = &Session{ID: id, User: user, Store: cache.New(cfg), lastSeen: r.now()}
			r.sessions[id] = s
		}
		r.mu.Unlock()

		s.mu.Lock()
		r.mu.Lock()
		current := r.sessions[id] == s
		r.mu.Unlock()
		if current {
			return s
		}
		s.mu.Unlock()
	}
}

// End drops the session and its files.
func (r *Registry) End(ctx context.Context, id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r.cleanup(ctx, s)
}

// Expire ends sessions idle for longer than the TTL. Sessions in use are
// skipped. It returns how many were removed.
func (r *Registry) Expire(ctx context.Context) int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if !s.mu.TryLock() {
			continue
		}
		if s.lastSeen.Before(cutoff) {
			delete(r.sessions, id)
			expired = append(expired, s)
			continue
		}
		s.mu.Unlock()
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.cleanup(ctx, s)
		s.mu.Unlock()
	}
	if len(expired) > 0 {
		r.logger.InfoContext(ctx, "sessions expired", slog.Int("count", len(expired)))
	}
	return len(expired)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) cleanup(ctx context.Context, s *Session) {
	cfg := s.Store.Config()
	if cfg.Transport != nil {
		cfg.Transport.Close() //nolint:errcheck
		cfg.Transport = nil
	}
	for _, path := range []string{cfg.Cache, cfg.Data} {
		if err := utils.RemoveIfExists(r.fm, path); err != nil {
			r.logger.WarnContext(ctx, "cannot remove session file",
				slog.String("session", s.ID), slog.String("path", path), slog.Any("error", utils.WrapError(err)))
		}
	}
	for _, iid := range s.Store.IDs() {
		s.Store.Remove(iid)
	}
}
