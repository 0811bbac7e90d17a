package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/emersion/go-message/textproto"
)

const (
	DefaultIOTimeout = 30 * time.Second

	readChunk       = 8 << 10
	defaultPollWait = 5 * time.Millisecond
	successMarker   = "200 OK"
	failurePrefix   = "transport: "
)

var headerTerminator = []byte("\r\n\r\n")

// Error reports a connection that could not even be attempted.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport error %d: %s", e.Code, e.Message)
}

// Failed reports whether a Read result is a failure annotation rather than
// a response body.
func Failed(resp string) bool {
	return strings.HasPrefix(resp, failurePrefix)
}

type Option func(*Client)

func WithIOTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithPollWait bounds how long one Read waits for bytes.
func WithPollWait(d time.Duration) Option {
	return func(c *Client) {
		c.pollWait = d
	}
}

func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Client is a single fire-and-forget HTTP/1.0 exchange over a loopback
// connection. It is driven from one goroutine; the dial runs in the
// background.
type Client struct {
	addr      string
	name      string
	secure    bool
	timeout   time.Duration
	pollWait  time.Duration
	tlsConfig *tls.Config
	now       func() time.Time

	opened  time.Time
	ready   chan struct{}
	conn    net.Conn
	dialErr error

	request string
	buf     []byte
	done    bool
	closed  bool
}

// Open starts connecting to host ("[tls://|ssl://|tcp://]name:port") and
// returns immediately.
func Open(ctx context.Context, host string, opts ...Option) (*Client, error) {
	addr, name, secure, err := parseHost(host)
	if err != nil {
		return nil, err
	}

	c := &Client{
		addr:     addr,
		name:     name,
		secure:   secure,
		timeout:  DefaultIOTimeout,
		pollWait: defaultPollWait,
		now:      time.Now,
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tlsConfig == nil {
		c.tlsConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	c.opened = c.now()

	go c.dial(context.WithoutCancel(ctx))
	return c, nil
}

func (c *Client) dial(ctx context.Context) {
	defer close(c.ready)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.dialErr = err
		return
	}
	if c.secure {
		cfg := c.tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = c.name
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close() //nolint:errcheck
			c.dialErr = err
			return
		}
		conn = tlsConn
	}
	c.conn = conn
}

func (c *Client) deadline() time.Time {
	return c.opened.Add(c.timeout)
}

func (c *Client) expired() bool {
	return !c.now().Before(c.deadline())
}

// Write sends the request line for path. It waits for the background dial
// and reports false if nothing could be sent.
func (c *Client) Write(path string) bool {
	if c.closed || c.request != "" {
		return false
	}

	wait := time.Until(c.deadline())
	if wait <= 0 {
		return false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-c.ready:
	case <-timer.C:
		return false
	}
	if c.conn == nil {
		return false
	}

	c.request = path
	_ = c.conn.SetWriteDeadline(c.deadline())
	_, err := io.WriteString(c.conn, "GET "+path+" HTTP/1.0\r\nHost: "+c.name+"\r\n\r\n")
	return err == nil
}

// Read performs one non-blocking read. It returns "" until the response is
// complete, then the body on success or a failure annotation, and "" again
// afterwards.
func (c *Client) Read() string {
	if c.closed || c.done {
		return ""
	}

	select {
	case <-c.ready:
	default:
		if c.expired() {
			return c.finish(c.annotateErr(errors.New("connection timed out")))
		}
		return ""
	}
	if c.conn == nil {
		return c.finish(c.annotateErr(c.dialErr))
	}
	if c.expired() {
		return c.finish(c.annotateErr(errors.New("response timed out")))
	}

	chunk := make([]byte, readChunk)
	_ = c.conn.SetReadDeadline(c.now().Add(c.pollWait))
	n, err := c.conn.Read(chunk)
	c.buf = append(c.buf, chunk[:n]...)

	eof := errors.Is(err, io.EOF)
	if resp, ok := c.response(eof); ok {
		return c.finish(resp)
	}
	if err == nil {
		return ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ""
	}
	return c.finish(c.annotateErr(err))
}

// response assembles the result once the buffered bytes form a complete
// response.
func (c *Client) response(eof bool) (string, bool) {
	head, body, found := bytes.Cut(c.buf, headerTerminator)
	if !found {
		if eof {
			return c.annotateErr(io.ErrUnexpectedEOF), true
		}
		return "", false
	}

	statusLine, fields, _ := strings.Cut(string(head), "\r\n")
	if !eof {
		header, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(fields + "\r\n\r\n")))
		if err != nil {
			return c.annotateErr(err), true
		}
		size, err := strconv.Atoi(header.Get("Content-Length"))
		if err != nil || len(body) < size {
			return "", false
		}
		body = body[:size]
	}

	if !strings.Contains(statusLine, successMarker) {
		return c.annotateStatus(statusLine), true
	}
	return string(body), true
}

func (c *Client) annotateStatus(status string) string {
	return fmt.Sprintf("%s%q for %q Request: %q", failurePrefix, status, c.name, c.request)
}

func (c *Client) annotateErr(err error) string {
	if err == nil {
		err = errors.New("no connection")
	}
	return fmt.Sprintf("%sError reading from %q Request: %q: %v", failurePrefix, c.name, c.request, err)
}

func (c *Client) finish(resp string) string {
	c.done = true
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck
	}
	return resp
}

// Alive reports whether the connection can still carry a request.
func (c *Client) Alive() bool {
	if c.closed || c.done {
		return false
	}
	select {
	case <-c.ready:
		return c.conn != nil && c.request == ""
	default:
		return !c.expired()
	}
}

func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	select {
	case <-c.ready:
		if c.conn != nil && !c.done {
			return c.conn.Close()
		}
	default:
		go func() {
			<-c.ready
			if c.conn != nil {
				c.conn.Close() //nolint:errcheck
			}
		}()
	}
	return nil
}

func parseHost(host string) (addr, name string, secure bool, err error) {
	rest := strings.TrimSpace(host)
	defaultPort := "80"
	if scheme, tail, ok := strings.Cut(rest, "://"); ok {
		switch strings.ToLower(scheme) {
		case "tcp", "http":
		case "tls", "ssl", "https":
			secure = true
			defaultPort = "443"
		default:
			return "", "", false, &Error{Code: int(syscall.EPROTONOSUPPORT), Message: fmt.Sprintf("unsupported scheme %q", scheme)}
		}
		rest = tail
	}
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" {
		return "", "", false, &Error{Code: int(syscall.EINVAL), Message: fmt.Sprintf("empty host in %q", host)}
	}

	name, port, splitErr := net.SplitHostPort(rest)
	if splitErr != nil {
		if strings.Contains(rest, ":") && !strings.HasPrefix(rest, "[") {
			return "", "", false, &Error{Code: int(syscall.EINVAL), Message: splitErr.Error()}
		}
		name, port = strings.Trim(rest, "[]"), defaultPort
	}
	if name == "" {
		return "", "", false, &Error{Code: int(syscall.EINVAL), Message: fmt.Sprintf("empty host name in %q", host)}
	}
	if n, convErr := strconv.Atoi(port); convErr != nil || n < 1 || n > 65535 {
		return "", "", false, &Error{Code: int(syscall.EINVAL), Message: fmt.Sprintf("invalid port %q", port)}
	}
	return net.JoinHostPort(name, port), name, secure, nil
}
