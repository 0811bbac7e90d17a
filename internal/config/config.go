package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"aaronromeo.com/identityswitch/internal/cache"
	"aaronromeo.com/identityswitch/internal/credential"
	"aaronromeo.com/identityswitch/pkg/base"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfig     = "IDSWITCH_CONFIG"
	envAddr       = "IDSWITCH_ADDR"
	envTempDir    = "IDSWITCH_TEMP_DIR"
	envPollPath   = "IDSWITCH_POLL_PATH"
	envDatabase   = "IDSWITCH_DATABASE"
	envLanguage   = "IDSWITCH_LANGUAGE"
	envDebug      = "IDSWITCH_DEBUG"
	envLogging    = "IDSWITCH_LOGGING"
	envWebhookURL = "IDSWITCH_WEBHOOK_URL"
	envKeyring    = "IDSWITCH_KEYRING_BACKEND"
	envKeyringDir = "IDSWITCH_KEYRING_DIR"
	envKeyringPwd = "IDSWITCH_KEYRING_PASSWORD"

	// envIMAPPassPrefix is followed by the identity id.
	envIMAPPassPrefix = "IDSWITCH_IMAP_PASS_"

	DefaultAddr = "127.0.0.1:8080"
)

// Config holds the configuration loaded from YAML and the environment.
type Config struct {
	Server     Server                   `yaml:"server"`
	Polling    Polling                  `yaml:"polling"`
	Database   string                   `yaml:"database"`
	Keyring    credential.KeyringConfig `yaml:"keyring"`
	WebhookURL string                   `yaml:"webhook_url"`
	Identities []Identity               `yaml:"identities"`
}

type Server struct {
	Addr       string `yaml:"addr"`
	PollPath   string `yaml:"poll_path"`
	TempDir    string `yaml:"temp_dir"`
	SessionTTL string `yaml:"session_ttl"`
	// Secure makes the fan-out connect to the host with TLS.
	Secure bool `yaml:"secure"`
}

// Polling mirrors the session-wide polling switches. Unset values take the
// stock defaults.
type Polling struct {
	Logging  bool   `yaml:"logging"`
	Debug    bool   `yaml:"debug"`
	Check    *bool  `yaml:"check"`
	Interval int    `yaml:"interval"`
	Delay    int    `yaml:"delay"`
	Retries  int    `yaml:"retries"`
	Language string `yaml:"language"`
}

// Identity is one configured account.
type Identity struct {
	ID           int               `yaml:"id"`
	User         string            `yaml:"user"`
	Label        string            `yaml:"label"`
	Enabled      *bool             `yaml:"enabled"`
	IMAP         Endpoint          `yaml:"imap"`
	SMTP         Endpoint          `yaml:"smtp"`
	Notify       Notify            `yaml:"notify"`
	CheckAll     bool              `yaml:"check_all_folders"`
	ShowReal     bool              `yaml:"show_real_folders"`
	LockSpecial  bool              `yaml:"lock_special_folders"`
	NewmailCheck int               `yaml:"newmail_check"`
	Folders      map[string]string `yaml:"folders"`
}

type Endpoint struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Delimiter string `yaml:"delimiter"`
	// Security is one of "", "none", "ssl" or "tls".
	Security string `yaml:"security"`
}

type Notify struct {
	Basic   bool `yaml:"basic"`
	Desktop bool `yaml:"desktop"`
	Sound   bool `yaml:"sound"`
	Timeout int  `yaml:"timeout"`
}

// Load reads configuration from a YAML file and applies environment
// overrides. An empty path yields the defaults plus the environment.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	overrides := []struct {
		name string
		dst  *string
	}{
		{envAddr, &c.Server.Addr},
		{envTempDir, &c.Server.TempDir},
		{envPollPath, &c.Server.PollPath},
		{envDatabase, &c.Database},
		{envLanguage, &c.Polling.Language},
		{envWebhookURL, &c.WebhookURL},
		{envKeyring, &c.Keyring.Backend},
		{envKeyringDir, &c.Keyring.FileDir},
		{envKeyringPwd, &c.Keyring.Password},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.name)); v != "" {
			*o.dst = v
		}
	}

	for _, flag := range []struct {
		name string
		dst  *bool
	}{
		{envDebug, &c.Polling.Debug},
		{envLogging, &c.Polling.Logging},
	} {
		raw := strings.TrimSpace(os.Getenv(flag.name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", flag.name, err)
		}
		*flag.dst = v
	}

	for i := range c.Identities {
		name := envIMAPPassPrefix + strconv.Itoa(c.Identities[i].ID)
		if v := os.Getenv(name); v != "" {
			c.Identities[i].IMAP.Password = v
		}
	}
	return nil
}

// Validate performs basic validation on the loaded config.
func Validate(cfg Config) error {
	if cfg.Polling.Interval < 0 || cfg.Polling.Delay < 0 || cfg.Polling.Retries < 0 {
		return errors.New("polling interval, delay and retries must not be negative")
	}
	if cfg.Server.PollPath != "" && !strings.HasPrefix(cfg.Server.PollPath, "/") {
		return fmt.Errorf("server.poll_path %q must start with /", cfg.Server.PollPath)
	}
	if _, err := cfg.SessionTTL(); err != nil {
		return err
	}
	if cfg.Database == "" && len(cfg.Identities) == 0 {
		return errors.New("config must define identities or a database")
	}
	if cfg.Keyring.Backend == "file" && cfg.Keyring.Password == "" {
		return fmt.Errorf("keyring.backend file requires %s", envKeyringPwd)
	}

	seen := make(map[string]bool, len(cfg.Identities))
	for i, ident := range cfg.Identities {
		if ident.ID <= 0 {
			return fmt.Errorf("identity %d must define a positive id", i+1)
		}
		key := ident.owner() + "/" + strconv.Itoa(ident.ID)
		if seen[key] {
			return fmt.Errorf("identity %d is defined twice for user %q", ident.ID, ident.owner())
		}
		seen[key] = true
		if strings.TrimSpace(ident.IMAP.Host) == "" {
			return fmt.Errorf("identity %d must define imap.host", ident.ID)
		}
		switch strings.ToLower(ident.IMAP.Security) {
		case "", "none", "ssl", "tls":
		default:
			return fmt.Errorf("identity %d has unknown imap.security %q", ident.ID, ident.IMAP.Security)
		}
	}
	return nil
}

// Summary returns a concise config summary for validation runs.
func Summary(cfg Config) string {
	source := "config file"
	if cfg.Database != "" {
		source = cfg.Database
	}
	return fmt.Sprintf(
		"Config summary\n"+
			"- identities: %d\n"+
			"- identity source: %s\n"+
			"- listen address: %s\n"+
			"- webhook: %s",
		len(cfg.Identities),
		source,
		cfg.Addr(),
		defaultIfEmpty(cfg.WebhookURL, "(not set)"),
	)
}

func (c Config) Addr() string {
	return defaultIfEmpty(c.Server.Addr, DefaultAddr)
}

func (c Config) PollPath() string {
	return defaultIfEmpty(c.Server.PollPath, base.DefaultPollPath)
}

// TempDir is the absolute directory holding session snapshot and data files.
// The poll entrypoint only accepts absolute snapshot paths.
func (c Config) TempDir() string {
	dir := defaultIfEmpty(c.Server.TempDir, os.TempDir())
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

func (c Config) SessionTTL() (time.Duration, error) {
	raw := strings.TrimSpace(c.Server.SessionTTL)
	if raw == "" {
		return 30 * time.Minute, nil
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid server.session_ttl: %w", err)
	}
	if ttl <= 0 {
		return 0, errors.New("server.session_ttl must be positive")
	}
	return ttl, nil
}

// Engine returns the polling configuration a new session starts with.
func (c Config) Engine() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.Logging = c.Polling.Logging
	cfg.Debug = c.Polling.Debug
	if c.Polling.Check != nil {
		cfg.Check = *c.Polling.Check
	}
	if c.Polling.Interval > 0 {
		cfg.Interval = c.Polling.Interval
	}
	cfg.Delay = c.Polling.Delay
	if c.Polling.Retries > 0 {
		cfg.Retries = c.Polling.Retries
	}
	cfg.Language = defaultIfEmpty(c.Polling.Language, "en")
	return cfg
}

// IdentitySource serves the configured identities with passwords sealed by
// the codec.
type IdentitySource struct {
	identities []Identity
	interval   int
	codec      credential.Codec
}

func (c Config) Source(codec credential.Codec) *IdentitySource {
	if codec == nil {
		codec = credential.Plaintext{}
	}
	return &IdentitySource{
		identities: c.Identities,
		interval:   c.Engine().Interval,
		codec:      codec,
	}
}

// Identities returns the identities for user. Identities without a user
// belong to everyone.
func (s *IdentitySource) Identities(_ context.Context, user string) (map[int]cache.Identity, error) {
	out := make(map[int]cache.Identity)
	for _, ident := range s.identities {
		if ident.User != "" && ident.User != user {
			continue
		}
		rec, err := ident.record(s.interval, s.codec)
		if err != nil {
			return nil, err
		}
		out[ident.ID] = rec
	}
	return out, nil
}

func (i Identity) owner() string {
	return defaultIfEmpty(i.User, "*")
}

func (i Identity) record(interval int, codec credential.Codec) (cache.Identity, error) {
	rec := cache.NewIdentity(interval)
	if i.NewmailCheck > 0 {
		rec.NewmailCheck = i.NewmailCheck
	}
	rec.Label = defaultIfEmpty(i.Label, rec.Label)
	rec.Flags.Enabled = i.Enabled == nil || *i.Enabled
	rec.Flags.Notify = cache.NotifyFlags{Basic: i.Notify.Basic, Desktop: i.Notify.Desktop, Sound: i.Notify.Sound}
	rec.Flags.Folders = cache.FolderFlags{CheckAll: i.CheckAll, ShowRealNames: i.ShowReal, LockSpecial: i.LockSpecial}

	switch strings.ToLower(i.IMAP.Security) {
	case "ssl":
		rec.Flags.Transport.IMAPSSL = true
	case "tls":
		rec.Flags.Transport.IMAPTLS = true
	}
	switch strings.ToLower(i.SMTP.Security) {
	case "ssl":
		rec.Flags.Transport.SMTPSSL = true
	case "tls":
		rec.Flags.Transport.SMTPTLS = true
	}

	rec.IMAPHost = defaultIfEmpty(i.IMAP.Host, rec.IMAPHost)
	if i.IMAP.Port > 0 {
		rec.IMAPPort = i.IMAP.Port
	}
	rec.IMAPUser = i.IMAP.User
	rec.IMAPDelimiter = defaultIfEmpty(i.IMAP.Delimiter, rec.IMAPDelimiter)
	rec.SMTPHost = defaultIfEmpty(i.SMTP.Host, rec.SMTPHost)
	if i.SMTP.Port > 0 {
		rec.SMTPPort = i.SMTP.Port
	}
	if i.Notify.Timeout > 0 {
		rec.NotifyTimeout = i.Notify.Timeout
	}
	if len(i.Folders) > 0 {
		rec.Folders = make(map[string]string, len(i.Folders))
		for role, name := range i.Folders {
			rec.Folders[role] = name
		}
	}

	sealed, err := codec.Encrypt(i.IMAP.Password)
	if err != nil {
		return cache.Identity{}, fmt.Errorf("sealing password of identity %d: %w", i.ID, err)
	}
	rec.IMAPPassword = sealed
	return rec, nil
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
