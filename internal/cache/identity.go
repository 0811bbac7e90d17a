package cache

import (
	"path/filepath"
	"strings"
	"time"

	"aaronromeo.com/identityswitch/pkg/base"
)

const (
	DefaultInterval      = 30
	DefaultRetries       = 10
	DefaultNotifyTimeout = 10
	DefaultIMAPPort      = 143
	DefaultSMTPPort      = 25
	DefaultHost          = "localhost"
	DefaultDelimiter     = "."
	DefaultLabel         = "identity_label"

	// Delay values above this are whole seconds scaled by a million.
	delaySecondsThreshold = 1_000_000
)

// Handle is the retained loopback connection the scheduler keeps between
// triggers.
type Handle interface {
	Write(path string) bool
	Read() string
	Alive() bool
	Close() error
}

// Config is the session-wide polling configuration record.
type Config struct {
	Logging  bool   `json:"logging"`
	Debug    bool   `json:"debug"`
	Check    bool   `json:"check"`
	Interval int    `json:"interval"`
	Delay    int    `json:"delay"`
	Retries  int    `json:"retries"`
	Language string `json:"language,omitempty"`
	Cache    string `json:"cache"`
	Data     string `json:"data"`

	Transport Handle `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		Check:    true,
		Interval: DefaultInterval,
		Retries:  DefaultRetries,
	}
}

// StaggerDelay is the pause between fan-out sub-requests.
func (c Config) StaggerDelay() time.Duration {
	if c.Delay <= 0 {
		return 0
	}
	if c.Delay > delaySecondsThreshold {
		return time.Duration(c.Delay/delaySecondsThreshold) * time.Second
	}
	return time.Duration(c.Delay) * time.Microsecond
}

// SessionPaths derives the snapshot and data file paths for a session.
func SessionPaths(dir, sessionID string) (snapshot, data string) {
	snapshot = filepath.Join(dir, base.SnapshotPrefix+sessionID)
	data = DataPath(snapshot)
	return snapshot, data
}

func DataPath(snapshot string) string {
	return filepath.Join(filepath.Dir(snapshot),
		strings.Replace(filepath.Base(snapshot), base.SnapshotMarker, base.DataMarker, 1))
}

// Identity is one configured mail account.
type Identity struct {
	Label         string            `json:"label"`
	Flags         Flags             `json:"flags"`
	IMAPUser      string            `json:"imap_user"`
	IMAPPassword  string            `json:"imap_pwd"`
	IMAPHost      string            `json:"imap_host"`
	IMAPPort      int               `json:"imap_port"`
	IMAPDelimiter string            `json:"imap_delim"`
	SMTPHost      string            `json:"smtp_host"`
	SMTPPort      int               `json:"smtp_port"`
	NotifyTimeout int               `json:"notify_timeout"`
	NewmailCheck  int               `json:"newmail_check"`
	Folders       map[string]string `json:"folders,omitempty"`

	Unseen      int   `json:"unseen"`
	CheckedLast int64 `json:"checked_last"`
	Notify      bool  `json:"notify"`
}

// NewIdentity returns an identity carrying the stock defaults.
func NewIdentity(interval int) Identity {
	return Identity{
		Label:         DefaultLabel,
		Flags:         Flags{Enabled: true},
		IMAPHost:      DefaultHost,
		IMAPPort:      DefaultIMAPPort,
		IMAPDelimiter: DefaultDelimiter,
		SMTPHost:      DefaultHost,
		SMTPPort:      DefaultSMTPPort,
		NotifyTimeout: DefaultNotifyTimeout,
		NewmailCheck:  interval,
	}
}

// CheckInterval is the identity's own interval, or fallback when unset.
func (i Identity) CheckInterval(fallback int) int {
	if i.NewmailCheck > 0 {
		return i.NewmailCheck
	}
	return fallback
}

// Due reports whether the check interval has fully elapsed at now.
func (i Identity) Due(now time.Time, fallback int) bool {
	return i.CheckedLast+int64(i.CheckInterval(fallback)) < now.Unix()
}

// clone copies the identity so the folders map is not shared.
func (i Identity) clone() Identity {
	if i.Folders != nil {
		folders := make(map[string]string, len(i.Folders))
		for k, v := range i.Folders {
			folders[k] = v
		}
		i.Folders = folders
	}
	return i
}
