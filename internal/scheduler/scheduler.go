// Package scheduler runs the new-mail polling cycle on each refresh signal:
// pick the due accounts, hand them to the out-of-band fan-out, wait for the
// results and merge them back into the session cache.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"aaronromeo.com/identityswitch/internal/cache"
	"aaronromeo.com/identityswitch/internal/exchange"
	"aaronromeo.com/identityswitch/internal/fanout"
	"aaronromeo.com/identityswitch/internal/notify"
	"aaronromeo.com/identityswitch/internal/transport"
	"aaronromeo.com/identityswitch/pkg/base"
	"aaronromeo.com/identityswitch/pkg/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultMaxPolls     = 60
	DefaultPollInterval = time.Second
)

// Actions that run a polling cycle.
const (
	ActionRefresh   = "refresh"
	ActionGetUnread = "getunread"
	ActionReady     = "ready"
)

type State int

const (
	StateIgnored State = iota
	StateDisabled
	StateNotDue
	StateAborted
	StateTimedOut
	StateNotified
)

func (s State) String() string {
	switch s {
	case StateIgnored:
		return "ignored"
	case StateDisabled:
		return "disabled"
	case StateNotDue:
		return "not_due"
	case StateAborted:
		return "aborted"
	case StateTimedOut:
		return "timed_out"
	case StateNotified:
		return "notified"
	default:
		return "unknown"
	}
}

// Trigger is one refresh signal from the host.
type Trigger struct {
	Action string
	// Host is the "name:port" the inbound request reached.
	Host   string
	Secure bool
}

// URL is the loopback address the fan-out request is sent to.
func (t Trigger) URL() string {
	if t.Secure {
		return "tls://" + t.Host
	}
	return "tcp://" + t.Host
}

func (t Trigger) runs() bool {
	switch t.Action {
	case ActionRefresh, ActionGetUnread, ActionReady:
		return true
	}
	return false
}

type Outcome struct {
	State   State
	Payload *notify.Payload
}

// Opener creates the retained loopback handle.
type Opener interface {
	Open(ctx context.Context, host string) (cache.Handle, error)
}

type OpenerFunc func(ctx context.Context, host string) (cache.Handle, error)

func (f OpenerFunc) Open(ctx context.Context, host string) (cache.Handle, error) {
	return f(ctx, host)
}

func TransportOpener(opts ...transport.Option) Opener {
	return OpenerFunc(func(ctx context.Context, host string) (cache.Handle, error) {
		return transport.Open(ctx, host, opts...)
	})
}

type Option func(*Scheduler) error

func WithOpener(o Opener) Option {
	return func(s *Scheduler) error {
		s.opener = o
		return nil
	}
}

func WithDispatcher(d *notify.Dispatcher) Option {
	return func(s *Scheduler) error {
		s.dispatcher = d
		return nil
	}
}

func WithFileManager(fm utils.FileManager) Option {
	return func(s *Scheduler) error {
		s.fm = fm
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) error {
		s.logger = logger
		return nil
	}
}

func WithPollPath(path string) Option {
	return func(s *Scheduler) error {
		if path == "" {
			return errors.New("requires poll path")
		}
		s.pollPath = path
		return nil
	}
}

// WithWait bounds the wait for results to maxPolls checks, interval apart.
func WithWait(maxPolls int, interval time.Duration) Option {
	return func(s *Scheduler) error {
		if maxPolls < 1 {
			return errors.New("requires at least one poll")
		}
		s.maxPolls = maxPolls
		s.pollInterval = interval
		return nil
	}
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) error {
		s.sleep = sleep
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) error {
		s.now = now
		return nil
	}
}

func WithInstruments(inst *utils.Instruments) Option {
	return func(s *Scheduler) error {
		s.inst = inst
		return nil
	}
}

type Scheduler struct {
	opener       Opener
	dispatcher   *notify.Dispatcher
	fm           utils.FileManager
	logger       *slog.Logger
	pollPath     string
	maxPolls     int
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
	inst         *utils.Instruments
}

func New(opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		fm:           utils.OSFileManager{},
		logger:       slog.Default(),
		pollPath:     base.DefaultPollPath,
		maxPolls:     DefaultMaxPolls,
		pollInterval: DefaultPollInterval,
		sleep:        fanout.Sleep,
		now:          time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.opener == nil {
		return nil, errors.New("requires opener")
	}
	if s.dispatcher == nil {
		s.dispatcher = notify.New(notify.WithLogger(s.logger))
	}
	return s, nil
}

// Trigger runs one polling cycle for store. The caller holds the session
// lock for the duration.
func (s *Scheduler) Trigger(ctx context.Context, store *cache.Store, t Trigger) Outcome {
	ctx, span := utils.Tracer().Start(ctx, "scheduler.Trigger")
	defer span.End()

	out := s.trigger(ctx, store, t)
	span.SetAttributes(attribute.String("state", out.State.String()))
	if s.inst != nil {
		s.inst.Triggers.Add(ctx, 1, metric.WithAttributes(attribute.String("state", out.State.String())))
	}
	return out
}

func (s *Scheduler) trigger(ctx context.Context, store *cache.Store, t Trigger) Outcome {
	if !t.runs() {
		return Outcome{State: StateIgnored}
	}
	cfg := store.Config()
	if !cfg.Check {
		return Outcome{State: StateDisabled}
	}

	due := store.Due(s.now())
	if len(due) == 0 {
		return Outcome{State: StateNotDue}
	}
	logger := s.logger.With(slog.String("snapshot", cfg.Cache))

	if !utils.Exists(s.fm, cfg.Cache) {
		if !s.startFanOut(ctx, store, due, t, logger) {
			return Outcome{State: StateAborted}
		}
	} else {
		logger.DebugContext(ctx, "fan-out already outstanding")
	}

	if !s.awaitResults(ctx, cfg.Data) {
		logger.InfoContext(ctx, "no check results yet", slog.Int("polls", s.maxPolls))
		return Outcome{State: StateTimedOut}
	}

	s.harvest(ctx, store, logger)
	payload := s.dispatcher.Dispatch(ctx, store)
	return Outcome{State: StateNotified, Payload: &payload}
}

// startFanOut writes the snapshot and sends the sentinel request over the
// retained handle. On failure the account state is left untouched.
func (s *Scheduler) startFanOut(ctx context.Context, store *cache.Store, due map[int]cache.Identity, t Trigger, logger *slog.Logger) bool {
	cfg := store.Config()

	if cfg.Transport == nil || !cfg.Transport.Alive() {
		if cfg.Transport != nil {
			cfg.Transport.Close() //nolint:errcheck
			cfg.Transport = nil
		}
		handle, err := s.opener.Open(ctx, t.URL())
		if err != nil {
			logger.ErrorContext(ctx, "cannot open loopback connection",
				slog.String("host", t.URL()), slog.Any("error", utils.WrapError(err)))
			return false
		}
		cfg.Transport = handle
	}

	if err := cache.WriteSnapshot(s.fm, cfg.Cache, store.Snapshot(due)); err != nil {
		logger.ErrorContext(ctx, "cannot write snapshot", slog.Any("error", utils.WrapError(err)))
		return false
	}

	path := fanout.RequestPath(s.pollPath, 0, cfg.Cache)
	if !cfg.Transport.Write(path) {
		logger.ErrorContext(ctx, "cannot send fan-out request", slog.String("host", t.URL()))
		cfg.Transport.Close() //nolint:errcheck
		cfg.Transport = nil
		if err := utils.RemoveIfExists(s.fm, cfg.Cache); err != nil {
			logger.WarnContext(ctx, "cannot remove snapshot", slog.Any("error", utils.WrapError(err)))
		}
		return false
	}

	logger.DebugContext(ctx, "fan-out requested", slog.Int("identities", len(due)))
	return true
}

func (s *Scheduler) awaitResults(ctx context.Context, dataPath string) bool {
	for poll := 1; ; poll++ {
		if exchange.Exists(s.fm, dataPath) {
			return true
		}
		if poll >= s.maxPolls {
			return false
		}
		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return false
		}
	}
}

func (s *Scheduler) harvest(ctx context.Context, store *cache.Store, logger *slog.Logger) {
	cfg := store.Config()
	records, malformed, err := exchange.Harvest(s.fm, cfg.Data)
	if err != nil {
		logger.ErrorContext(ctx, "cannot read check results", slog.Any("error", utils.WrapError(err)))
		return
	}
	for _, entry := range malformed {
		logger.DebugContext(ctx, "skipping malformed record", slog.String("record", entry))
	}

	for _, rec := range records {
		if rec.Failed() {
			logger.WarnContext(ctx, "new mail check failed",
				slog.Int("iid", rec.AccountID), slog.String("error", rec.Err))
			s.countRecord(ctx, "error")
			continue
		}
		changed, ok := store.Merge(rec.AccountID, rec.Unseen, rec.Timestamp)
		if !ok {
			logger.DebugContext(ctx, "result for unknown identity", slog.Int("iid", rec.AccountID))
			s.countRecord(ctx, "unknown")
			continue
		}
		s.countRecord(ctx, "success")
		if changed {
			logger.InfoContext(ctx, "unseen count updated",
				slog.Int("iid", rec.AccountID), slog.Int("unseen", rec.Unseen))
		}
	}
}

func (s *Scheduler) countRecord(ctx context.Context, kind string) {
	if s.inst == nil {
		return
	}
	s.inst.Records.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
