package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"aaronromeo.com/identityswitch/handlers"
	"aaronromeo.com/identityswitch/internal/announcer"
	"aaronromeo.com/identityswitch/internal/cache"
	"aaronromeo.com/identityswitch/internal/config"
	"aaronromeo.com/identityswitch/internal/credential"
	"aaronromeo.com/identityswitch/internal/exchange"
	"aaronromeo.com/identityswitch/internal/fanout"
	"aaronromeo.com/identityswitch/internal/identity"
	"aaronromeo.com/identityswitch/internal/notify"
	"aaronromeo.com/identityswitch/internal/scheduler"
	"aaronromeo.com/identityswitch/internal/session"
	"aaronromeo.com/identityswitch/internal/worker"
	"aaronromeo.com/identityswitch/pkg/utils"
	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"
	fibersession "github.com/gofiber/fiber/v2/middleware/session"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

var tracer = utils.Tracer()

const expireEvery = time.Minute

// checkConcurrency bounds the parallel account checks of the unseen command.
const checkConcurrency = 4

func main() {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Error loading .env file: %s", err)
	}

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "identityswitch",
		Usage:   "Poll unseen counts for every configured mail identity",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration",
				EnvVars: []string{config.EnvConfig},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the web host with the polling entrypoint",
				Action: serve,
			},
			{
				Name:  "unseen",
				Usage: "Check every identity once and print the unseen counts",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "user",
						Usage: "owner whose identities are checked",
						Value: "default",
					},
				},
				Action: unseen,
			},
			{
				Name:  "import",
				Usage: "Copy the identities of the config file into the database",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "user",
						Usage: "owner the identities are stored for",
						Value: "default",
					},
				},
				Action: importCmd,
			},
			{
				Name:   "validate",
				Usage:  "Validate the configuration and print a summary",
				Action: validate,
			},
		},
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if err := config.Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, config.Summary(cfg))
	return nil
}

// newCodec seals IMAP passwords. Database identities carry passwords sealed
// with the keyring key; file-only setups get a key that lives as long as the
// process.
func newCodec(cfg config.Config) (credential.Codec, error) {
	if cfg.Database == "" && cfg.Keyring.Backend == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return credential.NewAESCodec(key)
	}

	ring, err := credential.OpenKeyring(cfg.Keyring)
	if err != nil {
		return nil, err
	}
	key, err := credential.Key(ring)
	if err != nil {
		return nil, err
	}
	return credential.NewAESCodec(key)
}

func newSource(cfg config.Config, codec credential.Codec) (session.Source, func() error, error) {
	if cfg.Database == "" {
		return cfg.Source(codec), func() error { return nil }, nil
	}
	repo, err := identity.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	engine := cfg.Engine()
	logger := utils.NewLogger(os.Stderr, utils.LogLevel(engine.Logging, engine.Debug), utils.TelemetryEnabled())
	slog.SetDefault(logger)
	return logger
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	otelShutdown, err := utils.SetupOTelSDK(ctx, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			log.Printf("Error shutting down telemetry: %s", err)
		}
	}()

	logger := newLogger(cfg)
	logger.InfoContext(ctx, "starting", slog.String("version", version), slog.String("addr", cfg.Addr()))

	inst, err := utils.NewInstruments()
	if err != nil {
		return err
	}
	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	src, closeSource, err := newSource(cfg, codec)
	if err != nil {
		return err
	}
	defer closeSource() //nolint:errcheck

	ttl, err := cfg.SessionTTL()
	if err != nil {
		return err
	}
	registry, err := session.New(
		session.WithSource(src),
		session.WithDir(cfg.TempDir()),
		session.WithConfig(cfg.Engine()),
		session.WithTTL(ttl),
		session.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	notifyOpts := []notify.Option{notify.WithLogger(logger), notify.WithInstruments(inst)}
	if cfg.WebhookURL != "" {
		notifyOpts = append(notifyOpts, notify.WithSink(announcer.New(announcer.WithWebhookURL(cfg.WebhookURL))))
	}
	dispatcher := notify.New(notifyOpts...)

	sched, err := scheduler.New(
		scheduler.WithOpener(scheduler.TransportOpener()),
		scheduler.WithDispatcher(dispatcher),
		scheduler.WithPollPath(cfg.PollPath()),
		scheduler.WithLogger(logger),
		scheduler.WithInstruments(inst),
	)
	if err != nil {
		return err
	}
	driver, err := fanout.New(
		fanout.WithOpener(fanout.TransportOpener()),
		fanout.WithPollPath(cfg.PollPath()),
		fanout.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	w, err := newWorker(codec, logger, inst, func() worker.Storage { return worker.NewIMAPStorage() })
	if err != nil {
		return err
	}

	h, err := handlers.New(
		handlers.WithRegistry(registry),
		handlers.WithScheduler(sched),
		handlers.WithDriver(driver),
		handlers.WithWorker(w),
		handlers.WithDispatcher(dispatcher),
		handlers.WithSessionStore(fibersession.New(fibersession.Config{
			Expiration:     ttl,
			CookieHTTPOnly: true,
		})),
		handlers.WithPollPath(cfg.PollPath()),
		handlers.WithSecure(cfg.Server.Secure),
		handlers.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName:               "identityswitch",
		DisableStartupMessage: true,
	})
	app.Use(otelfiber.Middleware())
	h.Register(app)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Listen(cfg.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.InfoContext(gctx, "shutting down")
		return app.ShutdownWithTimeout(10 * time.Second)
	})
	g.Go(func() error {
		ticker := time.NewTicker(expireEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := registry.Expire(gctx); n > 0 {
					logger.DebugContext(gctx, "expired sessions", slog.Int("count", n))
				}
			}
		}
	})
	return g.Wait()
}

func newWorker(codec credential.Codec, logger *slog.Logger, inst *utils.Instruments, storage func() worker.Storage) (*worker.Worker, error) {
	opts := []worker.Option{
		worker.WithStorage(storage),
		worker.WithCodec(codec),
		worker.WithLogger(logger),
	}
	if inst != nil {
		opts = append(opts, worker.WithInstruments(inst))
	}
	return worker.New(opts...)
}

func unseen(c *cli.Context) error {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	src, closeSource, err := newSource(cfg, codec)
	if err != nil {
		return err
	}
	defer closeSource() //nolint:errcheck

	idents, err := src.Identities(ctx, c.String("user"))
	if err != nil {
		return err
	}

	w, err := newWorker(codec, logger, nil, func() worker.Storage { return worker.NewIMAPStorage() })
	if err != nil {
		return err
	}

	fm := utils.OSFileManager{}
	if err := fm.MkdirAll(cfg.TempDir(), 0o700); err != nil {
		return err
	}
	snapPath, dataPath := cache.SessionPaths(cfg.TempDir(), uuid.NewString())
	engine := cfg.Engine()
	engine.Cache, engine.Data = snapPath, dataPath
	snap := &cache.Snapshot{Config: engine, Identities: idents}

	records, err := checkAll(ctx, w, snap, fm)
	if err != nil {
		return err
	}
	printCounts(c.App.Writer, idents, records)
	return nil
}

func importCmd(c *cli.Context) error {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Database == "" {
		return errors.New("import requires a database")
	}
	newLogger(cfg)

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	repo, err := identity.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer repo.Close() //nolint:errcheck

	user := c.String("user")
	n, err := importIdentities(ctx, cfg.Source(codec), repo, user)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "imported %d identities for %s into %s\n", n, user, cfg.Database)
	return nil
}

// importIdentities stores every identity src holds for user in repo. The
// passwords are stored sealed as src returns them.
func importIdentities(ctx context.Context, src session.Source, repo *identity.Repository, user string) (int, error) {
	idents, err := src.Identities(ctx, user)
	if err != nil {
		return 0, err
	}
	ids := make([]int, 0, len(idents))
	for iid := range idents {
		ids = append(ids, iid)
	}
	sort.Ints(ids)

	for _, iid := range ids {
		if err := repo.Upsert(ctx, user, iid, idents[iid]); err != nil {
			return 0, err
		}
		slog.DebugContext(ctx, "identity imported", slog.Int("iid", iid), slog.String("user", user))
	}
	return len(ids), nil
}

// checkAll runs the worker for every enabled identity of snap and harvests
// the results from the snapshot's data file.
func checkAll(ctx context.Context, w *worker.Worker, snap *cache.Snapshot, fm utils.FileManager) ([]exchange.Record, error) {
	ctx, span := tracer.Start(ctx, "checkAll")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkConcurrency)
	checked := 0
	for iid, ident := range snap.Identities {
		if !ident.Flags.Enabled {
			continue
		}
		checked++
		g.Go(func() error {
			_, err := w.Run(gctx, snap, iid)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.New("writing check results error " + err.Error())
	}
	span.SetAttributes(attribute.Int("identities.checked", checked))

	records, malformed, err := exchange.Harvest(fm, snap.Config.Data)
	if err != nil {
		return nil, errors.New("reading check results error " + err.Error())
	}
	for _, entry := range malformed {
		slog.WarnContext(ctx, "malformed check result", slog.String("entry", entry))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AccountID < records[j].AccountID })
	return records, nil
}

func printCounts(out io.Writer, idents map[int]cache.Identity, records []exchange.Record) {
	for _, rec := range records {
		label := idents[rec.AccountID].Label
		if rec.Failed() {
			fmt.Fprintf(out, "%d\t%s\terror: %s\n", rec.AccountID, label, rec.Err)
			continue
		}
		fmt.Fprintf(out, "%d\t%s\t%d\n", rec.AccountID, label, rec.Unseen)
	}
}
