package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"aaronromeo.com/identityswitch/internal/cache"
	"aaronromeo.com/identityswitch/internal/fanout"
	"aaronromeo.com/identityswitch/internal/notify"
	"aaronromeo.com/identityswitch/internal/scheduler"
	"aaronromeo.com/identityswitch/internal/session"
	"aaronromeo.com/identityswitch/internal/worker"
	"aaronromeo.com/identityswitch/pkg/base"
	"aaronromeo.com/identityswitch/pkg/utils"
	"github.com/gofiber/fiber/v2"
	fibersession "github.com/gofiber/fiber/v2/middleware/session"
)

const localSession = "session"

// PollRequest is a parsed request to the polling entrypoint: either the
// fan-out over every due account or the check of a single one.
type PollRequest interface {
	SnapshotPath() string
}

type FanOutRequest struct {
	Snapshot string
}

func (r FanOutRequest) SnapshotPath() string { return r.Snapshot }

type WorkerRequest struct {
	IID      int
	Snapshot string
}

func (r WorkerRequest) SnapshotPath() string { return r.Snapshot }

// ParsePollRequest validates the iid and cache query values. The snapshot
// must be a session snapshot directly inside dir.
func ParsePollRequest(iidRaw, snapshot, dir string) (PollRequest, error) {
	iid, err := strconv.Atoi(strings.TrimSpace(iidRaw))
	if err != nil || iid < 0 {
		return nil, fmt.Errorf("invalid iid %q", iidRaw)
	}

	clean := filepath.Clean(snapshot)
	if snapshot == "" || !filepath.IsAbs(clean) {
		return nil, fmt.Errorf("invalid cache path %q", snapshot)
	}
	if filepath.Dir(clean) != filepath.Clean(dir) || !strings.HasPrefix(filepath.Base(clean), base.SnapshotPrefix) {
		return nil, fmt.Errorf("cache path %q is outside the session directory", snapshot)
	}

	if iid == 0 {
		return FanOutRequest{Snapshot: clean}, nil
	}
	return WorkerRequest{IID: iid, Snapshot: clean}, nil
}

type Option func(*Handlers) error

func WithRegistry(r *session.Registry) Option {
	return func(h *Handlers) error {
		h.registry = r
		return nil
	}
}

func WithScheduler(s *scheduler.Scheduler) Option {
	return func(h *Handlers) error {
		h.scheduler = s
		return nil
	}
}

func WithDriver(d *fanout.Driver) Option {
	return func(h *Handlers) error {
		h.driver = d
		return nil
	}
}

func WithWorker(w *worker.Worker) Option {
	return func(h *Handlers) error {
		h.worker = w
		return nil
	}
}

func WithDispatcher(d *notify.Dispatcher) Option {
	return func(h *Handlers) error {
		h.dispatcher = d
		return nil
	}
}

func WithSessionStore(store *fibersession.Store) Option {
	return func(h *Handlers) error {
		h.sessions = store
		return nil
	}
}

func WithFileManager(fm utils.FileManager) Option {
	return func(h *Handlers) error {
		h.fm = fm
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handlers) error {
		h.logger = logger
		return nil
	}
}

func WithPollPath(path string) Option {
	return func(h *Handlers) error {
		if !strings.HasPrefix(path, "/") {
			return errors.New("requires absolute poll path")
		}
		h.pollPath = path
		return nil
	}
}

// WithSecure makes loopback requests use TLS regardless of the inbound
// request.
func WithSecure(secure bool) Option {
	return func(h *Handlers) error {
		h.secure = secure
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handlers) error {
		h.now = now
		return nil
	}
}

type Handlers struct {
	registry   *session.Registry
	scheduler  *scheduler.Scheduler
	driver     *fanout.Driver
	worker     *worker.Worker
	dispatcher *notify.Dispatcher
	sessions   *fibersession.Store
	fm         utils.FileManager
	logger     *slog.Logger
	pollPath   string
	secure     bool
	now        func() time.Time
}

func New(opts ...Option) (*Handlers, error) {
	h := &Handlers{
		fm:       utils.OSFileManager{},
		logger:   slog.Default(),
		pollPath: base.DefaultPollPath,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	switch {
	case h.registry == nil:
		return nil, errors.New("requires registry")
	case h.scheduler == nil:
		return nil, errors.New("requires scheduler")
	case h.driver == nil:
		return nil, errors.New("requires fan-out driver")
	case h.worker == nil:
		return nil, errors.New("requires worker")
	}
	if h.dispatcher == nil {
		h.dispatcher = notify.New(notify.WithLogger(h.logger))
	}
	if h.sessions == nil {
		h.sessions = fibersession.New()
	}
	return h, nil
}

// Register mounts the routes on app.
func (h *Handlers) Register(app *fiber.App) {
	app.Get("/healthz", Healthz)
	app.Get(h.pollPath, h.Poll)

	api := app.Group("/api", h.WithSession)
	api.Post("/trigger", h.Trigger)
	api.Get("/unseen", h.Unseen)
	api.Post("/identities/:iid/switch", h.Switch)
	api.Post("/new-messages", h.NewMessages)
}

func Healthz(c *fiber.Ctx) error {
	return c.SendString("ok")
}

// WithSession binds the caller's account cache to the request and holds
// the session lock until the handler chain returns.
func (h *Handlers) WithSession(c *fiber.Ctx) error {
	sess, err := h.sessions.Get(c)
	if err != nil {
		h.logger.ErrorContext(c.UserContext(), "cannot load session", slog.Any("error", utils.WrapError(err)))
		return fiber.ErrInternalServerError
	}
	id := sess.ID()
	if err := sess.Save(); err != nil {
		h.logger.ErrorContext(c.UserContext(), "cannot save session", slog.Any("error", utils.WrapError(err)))
		return fiber.ErrInternalServerError
	}

	user := strings.TrimSpace(c.Get(base.RemoteUserHeader))
	if user == "" {
		user = base.DefaultUser
	}

	s, release, err := h.registry.Acquire(c.UserContext(), id, user)
	if err != nil {
		h.logger.WarnContext(c.UserContext(), "cannot acquire session",
			slog.String("user", user), slog.Any("error", utils.WrapError(err)))
		return fiber.NewError(fiber.StatusServiceUnavailable, "session unavailable")
	}
	defer release()

	c.Locals(localSession, s)
	return c.Next()
}

func current(c *fiber.Ctx) (*session.Session, error) {
	s, ok := c.Locals(localSession).(*session.Session)
	if !ok {
		return nil, fiber.NewError(fiber.StatusInternalServerError, "Could not retrieve session")
	}
	return s, nil
}

type triggerRequest struct {
	Action string `json:"action" form:"action" query:"action"`
}

type triggerResponse struct {
	State   string         `json:"state"`
	Payload notify.Payload `json:"payload"`
}

// Trigger runs a polling cycle for the session. Polling failures are
// logged and never reach the caller.
func (h *Handlers) Trigger(c *fiber.Ctx) error {
	s, err := current(c)
	if err != nil {
		return err
	}

	var req triggerRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid trigger request")
		}
	}
	if req.Action == "" {
		req.Action = c.Query("action", scheduler.ActionRefresh)
	}

	out := h.scheduler.Trigger(c.UserContext(), s.Store, scheduler.Trigger{
		Action: req.Action,
		Host:   loopbackHost(c),
		Secure: h.secure || c.Secure(),
	})

	resp := triggerResponse{State: out.State.String()}
	if out.Payload != nil {
		resp.Payload = *out.Payload
	} else {
		resp.Payload = notify.Counts(s.Store)
	}
	return c.JSON(resp)
}

func (h *Handlers) Unseen(c *fiber.Ctx) error {
	s, err := current(c)
	if err != nil {
		return err
	}
	return c.JSON(notify.Counts(s.Store))
}

func (h *Handlers) Switch(c *fiber.Ctx) error {
	s, err := current(c)
	if err != nil {
		return err
	}
	iid, err := c.ParamsInt("iid")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid identity id")
	}

	if err := s.Store.Switch(iid); err != nil {
		if errors.Is(err, cache.ErrUnknownIdentity) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	h.logger.InfoContext(c.UserContext(), "identity switched", slog.String("session", s.ID), slog.Int("iid", iid))
	return c.JSON(notify.Counts(s.Store))
}

type newMessagesRequest struct {
	Count int `json:"count" form:"count" query:"count"`
}

// NewMessages records messages the host saw arrive on the active identity.
func (h *Handlers) NewMessages(c *fiber.Ctx) error {
	s, err := current(c)
	if err != nil {
		return err
	}

	var req newMessagesRequest
	if err := c.BodyParser(&req); err != nil || req.Count < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid count")
	}
	if err := s.Store.CatchNewMessages(req.Count, h.now()); err != nil {
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	return c.JSON(h.dispatcher.Dispatch(c.UserContext(), s.Store))
}

// Poll is the polling entrypoint reached over the loopback transport.
func (h *Handlers) Poll(c *fiber.Ctx) error {
	req, err := ParsePollRequest(c.Query("iid"), c.Query("cache"), h.registry.Dir())
	if err != nil {
		h.logger.WarnContext(c.UserContext(), "rejected poll request", slog.Any("error", utils.WrapError(err)))
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	// The caller does not wait for the whole run; it must not be cut short
	// when the loopback connection goes away.
	ctx := context.WithoutCancel(c.UserContext())

	switch r := req.(type) {
	case FanOutRequest:
		if err := h.driver.Run(ctx, r.Snapshot, loopbackURL(c, h.secure)); err != nil {
			return fiber.NewError(fiber.StatusNotFound, "snapshot not found")
		}
		return c.SendString("0")

	case WorkerRequest:
		snap, err := cache.ReadSnapshot(h.fm, r.Snapshot)
		if err != nil {
			h.logger.WarnContext(ctx, "cannot load snapshot",
				slog.Int("iid", r.IID), slog.Any("error", utils.WrapError(err)))
			return fiber.NewError(fiber.StatusNotFound, "snapshot not found")
		}
		rec, err := h.worker.Run(ctx, snap, r.IID)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "cannot store result")
		}
		return c.SendString(rec.Payload())
	}
	return fiber.ErrBadRequest
}

// loopbackHost is the "name:port" the inbound request reached: the Host
// name with the port the server accepted the connection on.
func loopbackHost(c *fiber.Ctx) string {
	name := c.Hostname()
	port := ""
	if h, p, err := net.SplitHostPort(name); err == nil {
		name, port = h, p
	}
	if addr, ok := c.Context().LocalAddr().(*net.TCPAddr); ok && addr.Port != 0 {
		port = strconv.Itoa(addr.Port)
	}
	if port == "" {
		port = "80"
		if c.Secure() {
			port = "443"
		}
	}
	if name == "" {
		name = "localhost"
	}
	return net.JoinHostPort(name, port)
}

func loopbackURL(c *fiber.Ctx, secure bool) string {
	return scheduler.Trigger{Host: loopbackHost(c), Secure: secure || c.Secure()}.URL()
}
