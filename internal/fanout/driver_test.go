package fanout

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"aaronromeo.com/identityswitch/internal/cache"
	"aaronromeo.com/identityswitch/internal/exchange"
	"aaronromeo.com/identityswitch/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	writeOK   bool
	responses []string
	path      string
	reads     int
	closed    bool
}

func (c *fakeConn) Write(path string) bool {
	c.path = path
	return c.writeOK
}

func (c *fakeConn) Read() string {
	c.reads++
	if len(c.responses) == 0 {
		return ""
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// scriptedOpener hands out connections in request order; a nil entry fails
// the open.
type scriptedOpener struct {
	conns []*fakeConn
	hosts []string
}

func (o *scriptedOpener) Open(_ context.Context, host string) (Conn, error) {
	o.hosts = append(o.hosts, host)
	if len(o.conns) == 0 {
		return nil, errors.New("no more connections")
	}
	conn := o.conns[0]
	o.conns = o.conns[1:]
	if conn == nil {
		return nil, errors.New("connection refused")
	}
	return conn, nil
}

type fixture struct {
	snapPath string
	dataPath string
	sleeps   int
	driver   *Driver
}

func setup(t *testing.T, opener Opener, cfg cache.Config, ids ...int) *fixture {
	t.Helper()
	f := &fixture{}
	f.snapPath, f.dataPath = cache.SessionPaths(t.TempDir(), "fan")
	cfg.Cache, cfg.Data = f.snapPath, f.dataPath

	due := make(map[int]cache.Identity, len(ids))
	for _, iid := range ids {
		due[iid] = cache.Identity{Flags: cache.Flags{Enabled: true}}
	}
	require.NoError(t, cache.WriteSnapshot(utils.OSFileManager{}, f.snapPath, cache.Snapshot{Config: cfg, Identities: due}))

	d, err := New(
		WithOpener(opener),
		WithPollPath("/poll"),
		WithSleep(func(context.Context, time.Duration) error {
			f.sleeps++
			return nil
		}),
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }),
	)
	require.NoError(t, err)
	f.driver = d
	return f
}

func (f *fixture) records(t *testing.T) []exchange.Record {
	t.Helper()
	records, malformed, err := exchange.Harvest(utils.OSFileManager{}, f.dataPath)
	require.NoError(t, err)
	require.Empty(t, malformed)
	return records
}

func TestNewRequiresOpener(t *testing.T) {
	_, err := New()
	assert.EqualError(t, err, "requires opener")

	_, err = New(WithOpener(&scriptedOpener{}), WithPollPath(""))
	assert.Error(t, err)
}

func TestRequestPath(t *testing.T) {
	assert.Equal(t, "/poll?iid=0&cache=%2Ftmp%2Fidentity_switch_cache.abc",
		RequestPath("/poll", 0, "/tmp/identity_switch_cache.abc"))
}

func TestRunAllAnswer(t *testing.T) {
	a := &fakeConn{writeOK: true, responses: []string{"1##4"}}
	b := &fakeConn{writeOK: true, responses: []string{"", "2##0"}}
	opener := &scriptedOpener{conns: []*fakeConn{a, b}}
	f := setup(t, opener, cache.DefaultConfig(), 2, 1)

	require.NoError(t, f.driver.Run(context.Background(), f.snapPath, "localhost:8080"))

	assert.Equal(t, "/poll?iid=1&cache="+urlEscaped(f.snapPath), a.path)
	assert.Equal(t, "/poll?iid=2&cache="+urlEscaped(f.snapPath), b.path)
	assert.Equal(t, []string{"localhost:8080", "localhost:8080"}, opener.hosts)
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Zero(t, f.sleeps)

	// success bodies are acknowledgements; the workers write their own records
	assert.False(t, exchange.Exists(utils.OSFileManager{}, f.dataPath))
	_, err := os.Stat(f.snapPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRunRecordsOpenAndWriteFailures(t *testing.T) {
	ok := &fakeConn{writeOK: true, responses: []string{"1##2"}}
	broken := &fakeConn{writeOK: false}
	opener := &scriptedOpener{conns: []*fakeConn{ok, broken, nil}}
	f := setup(t, opener, cache.DefaultConfig(), 1, 2, 3)

	require.NoError(t, f.driver.Run(context.Background(), f.snapPath, "localhost:8080"))

	records := f.records(t)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].AccountID)
	assert.True(t, records[0].Failed())
	assert.Equal(t, 3, records[1].AccountID)
	assert.True(t, records[1].Failed())
	assert.True(t, broken.closed)
}

func TestRunRecordsAnnotatedFailure(t *testing.T) {
	bad := &fakeConn{writeOK: true, responses: []string{`transport: "HTTP/1.0 500 Internal Server Error" for "localhost" Request: "/poll"`}}
	f := setup(t, &scriptedOpener{conns: []*fakeConn{bad}}, cache.DefaultConfig(), 5)

	require.NoError(t, f.driver.Run(context.Background(), f.snapPath, "localhost:8080"))

	records := f.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, 5, records[0].AccountID)
	assert.Contains(t, records[0].Err, "500 Internal Server Error")
}

func TestRunBoundsTheWait(t *testing.T) {
	silent := &fakeConn{writeOK: true}
	cfg := cache.DefaultConfig()
	cfg.Retries = 3
	f := setup(t, &scriptedOpener{conns: []*fakeConn{silent}}, cfg, 4)

	require.NoError(t, f.driver.Run(context.Background(), f.snapPath, "localhost:8080"))

	assert.Equal(t, 3, f.sleeps)
	assert.Equal(t, 3, silent.reads)
	assert.True(t, silent.closed)

	records := f.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, exchange.GeneralErrorID, records[0].AccountID)
	assert.Contains(t, records[0].Err, "retries exceeded")
	assert.Contains(t, records[0].Err, "[4]")
}

func TestRunResetsRetriesOnProgress(t *testing.T) {
	slow := &fakeConn{writeOK: true, responses: []string{"", "1##1"}}
	silent := &fakeConn{writeOK: true}
	cfg := cache.DefaultConfig()
	cfg.Retries = 2
	f := setup(t, &scriptedOpener{conns: []*fakeConn{slow, silent}}, cfg, 1, 2)

	require.NoError(t, f.driver.Run(context.Background(), f.snapPath, "localhost:8080"))

	// one idle pass, a pass with progress, then the full budget for the straggler
	assert.Equal(t, 3, f.sleeps)
	assert.Equal(t, 4, silent.reads)
	records := f.records(t)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Err, "[2]")
}

func TestRunStaggersRequests(t *testing.T) {
	conns := []*fakeConn{
		{writeOK: true, responses: []string{"1##0"}},
		{writeOK: true, responses: []string{"2##0"}},
		{writeOK: true, responses: []string{"3##0"}},
	}
	cfg := cache.DefaultConfig()
	cfg.Delay = 40_000
	f := setup(t, &scriptedOpener{conns: conns}, cfg, 1, 2, 3)

	start := time.Now()
	require.NoError(t, f.driver.Run(context.Background(), f.snapPath, "localhost:8080"))
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestRunMissingSnapshot(t *testing.T) {
	f := setup(t, &scriptedOpener{}, cache.DefaultConfig())
	require.NoError(t, os.Remove(f.snapPath))
	assert.Error(t, f.driver.Run(context.Background(), f.snapPath, "localhost:8080"))
}

func urlEscaped(path string) string {
	return RequestPath("", 0, path)[len("?iid=0&cache="):]
}
