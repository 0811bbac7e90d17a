// Package fanout dispatches one check request per due account and watches
// the outstanding connections until they answer or the retry budget is
// spent.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"time"

	"aaronromeo.com/identityswitch/internal/cache"
	"aaronromeo.com/identityswitch/internal/exchange"
	"aaronromeo.com/identityswitch/internal/i18n"
	"aaronromeo.com/identityswitch/internal/transport"
	"aaronromeo.com/identityswitch/pkg/base"
	"aaronromeo.com/identityswitch/pkg/utils"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const DefaultRetryWait = time.Second

// Conn is one in-flight sub-request.
type Conn interface {
	Write(path string) bool
	Read() string
	Close() error
}

type Opener interface {
	Open(ctx context.Context, host string) (Conn, error)
}

type OpenerFunc func(ctx context.Context, host string) (Conn, error)

func (f OpenerFunc) Open(ctx context.Context, host string) (Conn, error) {
	return f(ctx, host)
}

// TransportOpener opens sub-requests with the async transport client.
func TransportOpener(opts ...transport.Option) Opener {
	return OpenerFunc(func(ctx context.Context, host string) (Conn, error) {
		return transport.Open(ctx, host, opts...)
	})
}

// RequestPath builds the polling entrypoint request for iid.
func RequestPath(pollPath string, iid int, snapshot string) string {
	return pollPath + "?iid=" + strconv.Itoa(iid) + "&cache=" + url.QueryEscape(snapshot)
}

type Option func(*Driver) error

func WithOpener(o Opener) Option {
	return func(d *Driver) error {
		d.opener = o
		return nil
	}
}

func WithFileManager(fm utils.FileManager) Option {
	return func(d *Driver) error {
		d.fm = fm
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) error {
		d.logger = logger
		return nil
	}
}

func WithPollPath(path string) Option {
	return func(d *Driver) error {
		if path == "" {
			return errors.New("requires poll path")
		}
		d.pollPath = path
		return nil
	}
}

// WithRetryWait sets the pause after a harvest pass without progress.
func WithRetryWait(wait time.Duration) Option {
	return func(d *Driver) error {
		d.retryWait = wait
		return nil
	}
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Driver) error {
		d.sleep = sleep
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Driver) error {
		d.now = now
		return nil
	}
}

type Driver struct {
	opener    Opener
	fm        utils.FileManager
	logger    *slog.Logger
	pollPath  string
	retryWait time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

func New(opts ...Option) (*Driver, error) {
	d := &Driver{
		fm:        utils.OSFileManager{},
		logger:    slog.Default(),
		pollPath:  base.DefaultPollPath,
		retryWait: DefaultRetryWait,
		sleep:     Sleep,
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.opener == nil {
		return nil, errors.New("requires opener")
	}
	return d, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run performs the fan-out for the snapshot at snapshotPath against host.
// The snapshot is deleted when Run returns, whatever the outcome.
func (d *Driver) Run(ctx context.Context, snapshotPath, host string) error {
	ctx, span := utils.Tracer().Start(ctx, "fanout.Run")
	defer span.End()

	defer func() {
		if err := utils.RemoveIfExists(d.fm, snapshotPath); err != nil {
			d.logger.WarnContext(ctx, "cannot remove snapshot",
				slog.String("path", snapshotPath), slog.Any("error", utils.WrapError(err)))
		}
	}()

	snap, err := cache.ReadSnapshot(d.fm, snapshotPath)
	if err != nil {
		d.logger.ErrorContext(ctx, "cannot load snapshot", slog.Any("error", utils.WrapError(err)))
		return err
	}

	writer := exchange.NewWriter(snap.Config.Data,
		exchange.WithFileManager(d.fm),
		exchange.WithLogger(d.logger))
	defer writer.Close()

	p := i18n.Printer(snap.Config.Language)
	ids := make([]int, 0, len(snap.Identities))
	for iid := range snap.Identities {
		ids = append(ids, iid)
	}
	sort.Ints(ids)
	span.SetAttributes(attribute.Int("identities", len(ids)))

	record := func(rec exchange.Record) {
		if err := writer.Append(rec); err != nil {
			d.logger.ErrorContext(ctx, "cannot write exchange record",
				slog.Int("iid", rec.AccountID), slog.Any("error", utils.WrapError(err)))
		}
	}

	var limiter *rate.Limiter
	if delay := snap.Config.StaggerDelay(); delay > 0 && len(ids) > 1 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}

	outstanding := make(map[int]Conn, len(ids))
	defer func() {
		for _, conn := range outstanding {
			conn.Close() //nolint:errcheck
		}
	}()

	for _, iid := range ids {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				d.logger.WarnContext(ctx, "fan-out interrupted", slog.Any("error", err))
				break
			}
		}

		conn, err := d.opener.Open(ctx, host)
		if err != nil {
			d.logger.WarnContext(ctx, "cannot open sub-request",
				slog.Int("iid", iid), slog.String("host", host), slog.Any("error", utils.WrapError(err)))
			record(exchange.Failure(iid, p.Sprintf(i18n.OpenFailed, iid, host), d.now()))
			continue
		}
		path := RequestPath(d.pollPath, iid, snapshotPath)
		if !conn.Write(path) {
			conn.Close() //nolint:errcheck
			d.logger.WarnContext(ctx, "cannot send sub-request", slog.Int("iid", iid), slog.String("host", host))
			record(exchange.Failure(iid, p.Sprintf(i18n.RequestFailed, iid, host), d.now()))
			continue
		}
		d.logger.DebugContext(ctx, "sub-request sent", slog.Int("iid", iid), slog.String("path", path))
		outstanding[iid] = conn
	}

	retries := 0
	for len(outstanding) > 0 && retries < snap.Config.Retries {
		progress := false
		for _, iid := range sortedKeys(outstanding) {
			conn := outstanding[iid]
			resp := conn.Read()
			if resp == "" {
				continue
			}
			progress = true
			conn.Close() //nolint:errcheck
			delete(outstanding, iid)

			if transport.Failed(resp) {
				d.logger.WarnContext(ctx, "sub-request failed", slog.Int("iid", iid), slog.String("response", resp))
				record(exchange.Failure(iid, resp, d.now()))
				continue
			}
			d.logger.DebugContext(ctx, "sub-request answered", slog.Int("iid", iid), slog.String("response", resp))
		}

		if progress {
			retries = 0
			continue
		}
		retries++
		if err := d.sleep(ctx, d.retryWait); err != nil {
			break
		}
	}

	if len(outstanding) > 0 {
		pending := sortedKeys(outstanding)
		d.logger.WarnContext(ctx, "retries exceeded", slog.Any("pending", pending), slog.Int("retries", snap.Config.Retries))
		record(exchange.Failure(exchange.GeneralErrorID, p.Sprintf(i18n.RetriesExceeded, fmt.Sprint(pending)), d.now()))
	}
	return nil
}

func sortedKeys(m map[int]Conn) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
