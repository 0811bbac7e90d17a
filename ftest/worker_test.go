package ftest

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"aaronromeo.com/identityswitch/internal/cache"
	"aaronromeo.com/identityswitch/internal/credential"
	"aaronromeo.com/identityswitch/internal/exchange"
	"aaronromeo.com/identityswitch/internal/worker"
	"aaronromeo.com/identityswitch/pkg/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityFor(t *testing.T, srv *Server, password string, codec credential.Codec) cache.Identity {
	t.Helper()
	host, portRaw, err := net.SplitHostPort(srv.Addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portRaw)
	require.NoError(t, err)

	sealed, err := codec.Encrypt(password)
	require.NoError(t, err)

	rec := cache.NewIdentity(cache.DefaultInterval)
	rec.Label = "ftest"
	rec.IMAPHost = host
	rec.IMAPPort = port
	rec.IMAPUser = DefaultUser
	rec.IMAPPassword = sealed
	rec.Flags.Transport.IMAPSSL = true
	return rec
}

func newWorker(t *testing.T, srv *Server, codec credential.Codec) *worker.Worker {
	t.Helper()
	w, err := worker.New(
		worker.WithStorage(func() worker.Storage {
			return worker.NewIMAPStorage(worker.WithTLSConfig(srv.ClientTLS))
		}),
		worker.WithCodec(codec),
		worker.WithLogger(mock.SetupLogger(t)),
	)
	require.NoError(t, err)
	return w
}

func TestWorkerCountsInboxUnseen(t *testing.T) {
	srv, cleanup := SetupIMAPServer(t, []string{"Archive"}, []MailboxMessage{
		{Subject: "one"},
		{Subject: "two"},
		{Subject: "read", Seen: true},
		{Mailbox: "Archive", Subject: "elsewhere"},
	})
	defer cleanup()

	codec, err := credential.NewAESCodec(make([]byte, 32))
	require.NoError(t, err)

	dir := t.TempDir()
	snapPath, dataPath := cache.SessionPaths(dir, "ftest")
	cfg := cache.DefaultConfig()
	cfg.Cache, cfg.Data = snapPath, dataPath
	snap := &cache.Snapshot{
		Config:     cfg,
		Identities: map[int]cache.Identity{1: identityFor(t, srv, DefaultPass, codec)},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := newWorker(t, srv, codec).Run(ctx, snap, 1)
	require.NoError(t, err)
	require.False(t, rec.Failed(), rec.Err)
	assert.Equal(t, 2, rec.Unseen)

	data, err := os.ReadFile(dataPath)
	require.NoError(t, err)
	records, malformed := exchange.Parse(string(data))
	assert.Empty(t, malformed)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Unseen)
}

func TestWorkerReportsLoginFailure(t *testing.T) {
	srv, cleanup := SetupIMAPServer(t, nil, nil)
	defer cleanup()

	codec := credential.Plaintext{}
	snap := &cache.Snapshot{
		Config:     cache.DefaultConfig(),
		Identities: map[int]cache.Identity{9: identityFor(t, srv, "wrong", codec)},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec := newWorker(t, srv, codec).Check(ctx, snap, 9)
	assert.True(t, rec.Failed())
	assert.Equal(t, 9, rec.AccountID)
	assert.Contains(t, rec.Err, DefaultUser)
}
