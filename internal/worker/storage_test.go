package worker_test

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"aaronromeo.com/identityswitch/internal/cache"
	"aaronromeo.com/identityswitch/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentIMAPServer greets every client and then never answers a command.
func silentIMAPServer(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			go func() {
				_, _ = io.WriteString(conn, "* OK [CAPABILITY IMAP4rev1] ready\r\n")
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close() //nolint:errcheck
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			conn.Close() //nolint:errcheck
		}
	})

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestWithTimeoutRejectsNonPositive(t *testing.T) {
	_, err := worker.New(
		worker.WithStorage(func() worker.Storage { return worker.NewIMAPStorage() }),
		worker.WithTimeout(0),
	)
	assert.EqualError(t, err, "requires positive check timeout")
}

func TestCheckGivesUpOnSilentServer(t *testing.T) {
	host, port := silentIMAPServer(t)
	w := newWorker(t, worker.NewIMAPStorage(), worker.WithTimeout(200*time.Millisecond))

	rec := cache.NewIdentity(0)
	rec.IMAPHost = host
	rec.IMAPPort = port
	rec.IMAPUser = "me"
	rec.IMAPPassword = "secret"

	start := time.Now()
	got := w.Check(context.Background(), snapshotWith(4, rec), 4)
	elapsed := time.Since(start)

	assert.True(t, got.Failed())
	assert.Equal(t, 4, got.AccountID)
	assert.Contains(t, got.Err, net.JoinHostPort(host, strconv.Itoa(port)))
	assert.Less(t, elapsed, 5*time.Second)
}

func TestIMAPStorageCloseWithoutConnect(t *testing.T) {
	assert.NoError(t, worker.NewIMAPStorage().Close())
}
