package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"aaronromeo.com/identityswitch/internal/cache"
	"aaronromeo.com/identityswitch/pkg/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	mu      sync.Mutex
	calls   int
	records map[int]cache.Identity
	err     error
}

func (s *countingSource) Identities(context.Context, string) (map[int]cache.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.records, s.err
}

type closer struct{ closed bool }

func (c *closer) Write(string) bool { return true }
func (c *closer) Read() string      { return "" }
func (c *closer) Alive() bool       { return !c.closed }
func (c *closer) Close() error {
	c.closed = true
	return nil
}

func newRegistry(t *testing.T, src Source, now *time.Time) *Registry {
	t.Helper()
	r, err := New(
		WithSource(src),
		WithDir(t.TempDir()),
		WithLogger(mock.SetupLogger(t)),
		WithClock(func() time.Time { return *now }),
		WithTTL(time.Minute),
	)
	require.NoError(t, err)
	return r
}

func twoAccounts() map[int]cache.Identity {
	disabled := cache.NewIdentity(0)
	disabled.Flags.Enabled = false
	return map[int]cache.Identity{
		3: disabled,
		5: cache.NewIdentity(0),
		9: cache.NewIdentity(0),
	}
}

func TestNewRequiresSource(t *testing.T) {
	_, err := New()
	assert.EqualError(t, err, "requires identity source")
}

func TestAcquireSeedsOnce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &countingSource{records: twoAccounts()}
	r := newRegistry(t, src, &now)
	ctx := context.Background()

	s, release, err := r.Acquire(ctx, "abc-123", "alice")
	require.NoError(t, err)
	assert.Equal(t, 5, s.Store.Active())
	assert.Equal(t, []int{3, 5, 9}, s.Store.IDs())
	snap, data := cache.SessionPaths(r.Dir(), "abc-123")
	assert.Equal(t, snap, s.Store.Config().Cache)
	assert.Equal(t, data, s.Store.Config().Data)
	release()
	release()

	again, release, err := r.Acquire(ctx, "abc-123", "alice")
	require.NoError(t, err)
	defer release()
	assert.Same(t, s, again)
	assert.Equal(t, 1, src.calls)
}

func TestAcquireRejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := newRegistry(t, &countingSource{}, &now)
	ctx := context.Background()

	_, _, err := r.Acquire(ctx, "../etc/passwd", "alice")
	assert.Error(t, err)

	_, release, err := r.Acquire(ctx, "s1", "alice")
	require.NoError(t, err)
	release()
	_, _, err = r.Acquire(ctx, "s1", "mallory")
	assert.Error(t, err)
}

func TestAcquireRetriesFailedSeed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &countingSource{err: errors.New("db down")}
	r := newRegistry(t, src, &now)
	ctx := context.Background()

	_, _, err := r.Acquire(ctx, "s1", "alice")
	require.Error(t, err)

	src.err = nil
	src.records = twoAccounts()
	s, release, err := r.Acquire(ctx, "s1", "alice")
	require.NoError(t, err)
	defer release()
	assert.Len(t, s.Store.IDs(), 3)
	assert.Equal(t, 2, src.calls)
}

func TestAcquireSerializesSession(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := newRegistry(t, &countingSource{records: twoAccounts()}, &now)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, release, err := r.Acquire(ctx, "shared", "alice")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestExpireRemovesIdleSessions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := newRegistry(t, &countingSource{records: twoAccounts()}, &now)
	ctx := context.Background()

	idle, release, err := r.Acquire(ctx, "idle", "alice")
	require.NoError(t, err)
	handle := &closer{}
	idle.Store.Config().Transport = handle
	cfg := idle.Store.Config()
	require.NoError(t, os.WriteFile(cfg.Cache, []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(cfg.Data, []byte("1##5##0###"), 0o600))
	release()

	now = now.Add(30 * time.Second)
	_, releaseFresh, err := r.Acquire(ctx, "fresh", "bob")
	require.NoError(t, err)
	releaseFresh()

	_, releaseBusy, err := r.Acquire(ctx, "busy", "carol")
	require.NoError(t, err)

	now = now.Add(45 * time.Second)
	assert.Equal(t, 1, r.Expire(ctx))
	assert.Equal(t, 2, r.Len())
	assert.True(t, handle.closed)
	_, err = os.Stat(cfg.Cache)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.Data)
	assert.True(t, os.IsNotExist(err))

	// a session held by a request is never expired
	now = now.Add(time.Hour)
	assert.Equal(t, 1, r.Expire(ctx))
	assert.Equal(t, 1, r.Len())
	releaseBusy()
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, r.Expire(ctx))
	assert.Zero(t, r.Len())
}

func TestEnd(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := newRegistry(t, &countingSource{records: twoAccounts()}, &now)
	ctx := context.Background()

	_, release, err := r.Acquire(ctx, "s1", "alice")
	require.NoError(t, err)
	release()

	r.End(ctx, "s1")
	r.End(ctx, "unknown")
	assert.Zero(t, r.Len())
}

func TestAcquireAfterEndWhileWaiting(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &countingSource{records: twoAccounts()}
	r := newRegistry(t, src, &now)
	ctx := context.Background()

	_, release, err := r.Acquire(ctx, "s1", "alice")
	require.NoError(t, err)

	type acquired struct {
		s       *Session
		release func()
		err     error
	}
	waiter := make(chan acquired, 1)
	go func() {
		s, rel, err := r.Acquire(ctx, "s1", "alice")
		waiter <- acquired{s, rel, err}
	}()
	// Give the waiter time to block on the held session.
	time.Sleep(50 * time.Millisecond)

	ended := make(chan struct{})
	go func() {
		r.End(ctx, "s1")
		close(ended)
	}()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, ok := r.sessions["s1"]
		return !ok
	}, time.Second, 5*time.Millisecond)

	release()

	got := <-waiter
	require.NoError(t, got.err)
	assert.Equal(t, []int{3, 5, 9}, got.s.Store.IDs())
	assert.Equal(t, 2, src.calls)
	got.release()
	<-ended

	assert.Equal(t, 1, r.Len())
}

func TestNewCreatesRelativeDir(t *testing.T) {
	t.Chdir(t.TempDir())

	r, err := New(
		WithSource(&countingSource{}),
		WithDir("sessions/nested"),
		WithLogger(mock.SetupLogger(t)),
	)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(r.Dir()), "dir %q should be absolute", r.Dir())

	info, err := os.Stat(r.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	s, release, err := r.Acquire(context.Background(), "s1", "alice")
	require.NoError(t, err)
	defer release()
	assert.True(t, filepath.IsAbs(s.Store.Config().Cache))
}
