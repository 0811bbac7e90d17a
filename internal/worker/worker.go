package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aaronromeo.com/identityswitch/internal/cache"
	"aaronromeo.com/identityswitch/internal/credential"
	"aaronromeo.com/identityswitch/internal/exchange"
	"aaronromeo.com/identityswitch/internal/i18n"
	"aaronromeo.com/identityswitch/pkg/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// DefaultCheckTimeout bounds one account check, connect to logout.
const DefaultCheckTimeout = 30 * time.Second

type Option func(*Worker) error

// WithStorage sets the factory for the per-check storage session.
func WithStorage(newStorage func() Storage) Option {
	return func(w *Worker) error {
		w.newStorage = newStorage
		return nil
	}
}

func WithCodec(codec credential.Codec) Option {
	return func(w *Worker) error {
		w.codec = codec
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) error {
		w.logger = logger
		return nil
	}
}

func WithFileManager(fm utils.FileManager) Option {
	return func(w *Worker) error {
		w.fm = fm
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) error {
		w.now = now
		return nil
	}
}

// WithTimeout bounds each check. A server that stops answering turns into
// a failure record once it expires.
func WithTimeout(d time.Duration) Option {
	return func(w *Worker) error {
		if d <= 0 {
			return errors.New("requires positive check timeout")
		}
		w.timeout = d
		return nil
	}
}

func WithInstruments(inst *utils.Instruments) Option {
	return func(w *Worker) error {
		w.inst = inst
		return nil
	}
}

// Worker performs the unseen check for one account of a snapshot.
type Worker struct {
	newStorage func() Storage
	codec      credential.Codec
	logger     *slog.Logger
	fm         utils.FileManager
	now        func() time.Time
	timeout    time.Duration
	inst       *utils.Instruments
}

func New(opts ...Option) (*Worker, error) {
	w := &Worker{
		codec:   credential.Plaintext{},
		logger:  slog.Default(),
		fm:      utils.OSFileManager{},
		now:     time.Now,
		timeout: DefaultCheckTimeout,
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	if w.newStorage == nil {
		return nil, errors.New("requires storage")
	}
	return w, nil
}

// Check polls the account iid from snap and returns exactly one record.
func (w *Worker) Check(ctx context.Context, snap *cache.Snapshot, iid int) (rec exchange.Record) {
	ctx, span := utils.Tracer().Start(ctx, "worker.Check")
	defer span.End()
	span.SetAttributes(attribute.Int("identity.id", iid))

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	p := i18n.Printer(snap.Config.Language)
	logger := w.logger.With(slog.Int("iid", iid))

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "storage panic", slog.Any("panic", r))
			rec = exchange.Failure(iid, fmt.Sprintf("identity %d: %v", iid, r), w.now())
		}
		if rec.Failed() {
			span.SetStatus(codes.Error, rec.Err)
		}
		w.count(ctx, rec)
	}()

	ident, ok := snap.Identities[iid]
	if !ok {
		return exchange.Failure(iid, p.Sprintf(i18n.UnknownIdentity, iid), w.now())
	}

	acct, err := AccountFor(ident, w.codec)
	if err != nil {
		logger.WarnContext(ctx, "invalid account settings", slog.Any("error", utils.WrapError(err)))
		return exchange.Failure(iid, p.Sprintf(i18n.ConnectFailed, iid, ident.IMAPHost, ident.IMAPUser), w.now())
	}

	st := w.newStorage()
	if err := st.Connect(ctx, acct); err != nil {
		logger.WarnContext(ctx, "cannot connect",
			slog.String("addr", acct.Addr()),
			slog.String("security", acct.Security.String()),
			slog.Any("error", utils.WrapError(err)))
		return exchange.Failure(iid, p.Sprintf(i18n.ConnectFailed, iid, acct.Addr(), acct.User), w.now())
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.DebugContext(ctx, "closing storage", slog.Any("error", err))
		}
	}()

	folders, err := FolderSet(ctx, st, ident)
	if err != nil {
		return exchange.Failure(iid, p.Sprintf(i18n.FolderListFailed, iid, err), w.now())
	}

	total := 0
	for _, folder := range folders {
		n, err := st.CountUnseen(ctx, folder)
		if err != nil {
			return exchange.Failure(iid, p.Sprintf(i18n.CountFailed, iid, folder, err), w.now())
		}
		total += n
	}

	logger.InfoContext(ctx, "unseen count", slog.Int("unseen", total), slog.Int("folders", len(folders)))
	span.SetAttributes(attribute.Int("unseen", total))
	return exchange.Success(iid, total, w.now())
}

// Run checks iid and appends the record to the snapshot's exchange file.
func (w *Worker) Run(ctx context.Context, snap *cache.Snapshot, iid int) (exchange.Record, error) {
	rec := w.Check(ctx, snap, iid)

	writer := exchange.NewWriter(snap.Config.Data,
		exchange.WithFileManager(w.fm),
		exchange.WithLogger(w.logger))
	defer writer.Close()

	if err := writer.Append(rec); err != nil {
		w.logger.ErrorContext(ctx, "cannot write check result",
			slog.Int("iid", iid),
			slog.String("path", snap.Config.Data),
			slog.Any("error", utils.WrapError(err)))
		return rec, err
	}
	return rec, nil
}

func (w *Worker) count(ctx context.Context, rec exchange.Record) {
	if w.inst == nil {
		return
	}
	outcome := "success"
	if rec.Failed() {
		outcome = "error"
	}
	w.inst.Checks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
