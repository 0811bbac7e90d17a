package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"aaronromeo.com/identityswitch/internal/cache"
	"aaronromeo.com/identityswitch/internal/credential"
	"github.com/emersion/go-imap/v2"
	giimapclient "github.com/emersion/go-imap/v2/imapclient"
)

type Security int

const (
	SecurityNone Security = iota
	SecurityTLS
	SecuritySTARTTLS
)

func (s Security) String() string {
	switch s {
	case SecurityTLS:
		return "tls"
	case SecuritySTARTTLS:
		return "starttls"
	default:
		return "none"
	}
}

// Account holds the decrypted connection parameters of one identity.
type Account struct {
	Host     string
	Port     int
	User     string
	Password string
	Security Security
}

func (a Account) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Storage is one mail-storage session. Implementations must not cache
// folder status between calls.
type Storage interface {
	Connect(ctx context.Context, acct Account) error
	ListSubscribed(ctx context.Context) ([]string, error)
	CountUnseen(ctx context.Context, mailbox string) (int, error)
	Close() error
}

// AccountFor derives connection parameters from an identity record. A
// scheme in the host ("ssl://", "imaps://", "tls://", "imap://") takes
// precedence over the transport flags.
func AccountFor(rec cache.Identity, codec credential.Codec) (Account, error) {
	acct := Account{
		Host: strings.TrimSpace(rec.IMAPHost),
		Port: rec.IMAPPort,
		User: rec.IMAPUser,
	}

	scheme, host, hasScheme := strings.Cut(acct.Host, "://")
	switch {
	case hasScheme:
		acct.Host = host
		switch strings.ToLower(scheme) {
		case "ssl", "imaps":
			acct.Security = SecurityTLS
		case "tls":
			acct.Security = SecuritySTARTTLS
		default:
			acct.Security = SecurityNone
		}
	case rec.Flags.Transport.IMAPSSL:
		acct.Security = SecurityTLS
	case rec.Flags.Transport.IMAPTLS:
		acct.Security = SecuritySTARTTLS
	}

	if h, p, err := net.SplitHostPort(acct.Host); err == nil {
		if port, convErr := strconv.Atoi(p); convErr == nil {
			acct.Host, acct.Port = h, port
		}
	}
	if acct.Port == 0 {
		acct.Port = cache.DefaultIMAPPort
		if acct.Security == SecurityTLS {
			acct.Port = 993
		}
	}
	if acct.Host == "" {
		return acct, errors.New("IMAP host is required")
	}

	if codec == nil {
		codec = credential.Plaintext{}
	}
	password, err := codec.Decrypt(rec.IMAPPassword)
	if err != nil {
		return acct, err
	}
	acct.Password = password
	return acct, nil
}

// LogoutTimeout bounds the LOGOUT exchange on Close.
const LogoutTimeout = 5 * time.Second

type IMAPOption func(*IMAPStorage)

func WithTLSConfig(config *tls.Config) IMAPOption {
	return func(s *IMAPStorage) {
		s.tlsConfig = config
	}
}

// IMAPStorage talks to an IMAP server with go-imap v2.
type IMAPStorage struct {
	tlsConfig *tls.Config
	client    *giimapclient.Client
}

func NewIMAPStorage(opts ...IMAPOption) *IMAPStorage {
	s := &IMAPStorage{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials, secures and logs in.
func (s *IMAPStorage) Connect(ctx context.Context, acct Account) error {
	if strings.TrimSpace(acct.User) == "" {
		return errors.New("IMAP credentials are required")
	}

	options := &giimapclient.Options{TLSConfig: s.tlsConfig}
	if deadline, ok := ctx.Deadline(); ok {
		options.Dialer = &net.Dialer{Deadline: deadline}
	}

	var (
		client *giimapclient.Client
		err    error
	)
	switch acct.Security {
	case SecurityTLS:
		client, err = giimapclient.DialTLS(acct.Addr(), options)
	case SecuritySTARTTLS:
		client, err = giimapclient.DialStartTLS(acct.Addr(), options)
	default:
		client, err = giimapclient.DialInsecure(acct.Addr(), options)
	}
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		client.Close() //nolint:errcheck
	})
	defer stop()

	if err := client.Login(acct.User, acct.Password).Wait(); err != nil {
		client.Close() //nolint:errcheck
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	s.client = client
	return nil
}

func (s *IMAPStorage) ListSubscribed(ctx context.Context) ([]string, error) {
	if s.client == nil {
		return nil, errors.New("IMAP client is not connected")
	}
	stop := context.AfterFunc(ctx, func() {
		s.client.Close() //nolint:errcheck
	})
	defer stop()

	mailboxes, err := s.client.List("", "*", &imap.ListOptions{SelectSubscribed: true}).Collect()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		if hasAttr(mbox.Attrs, imap.MailboxAttrNoSelect) || hasAttr(mbox.Attrs, imap.MailboxAttrNonExistent) {
			continue
		}
		names = append(names, mbox.Mailbox)
	}
	return names, nil
}

// CountUnseen issues a fresh STATUS for mailbox.
func (s *IMAPStorage) CountUnseen(ctx context.Context, mailbox string) (int, error) {
	if s.client == nil {
		return 0, errors.New("IMAP client is not connected")
	}
	stop := context.AfterFunc(ctx, func() {
		s.client.Close() //nolint:errcheck
	})
	defer stop()

	data, err := s.client.Status(mailbox, &imap.StatusOptions{NumUnseen: true}).Wait()
	if err != nil {
		return 0, err
	}
	if data.NumUnseen == nil {
		return 0, nil
	}
	return int(*data.NumUnseen), nil
}

// Close logs out and clears the connection. A server that does not answer
// the LOGOUT within LogoutTimeout is disconnected.
func (s *IMAPStorage) Close() error {
	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil

	timer := time.AfterFunc(LogoutTimeout, func() {
		client.Close() //nolint:errcheck
	})
	defer timer.Stop()

	err := client.Logout().Wait()
	client.Close() //nolint:errcheck
	return err
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, attr := range attrs {
		if attr == want {
			return true
		}
	}
	return false
}
