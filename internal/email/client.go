package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2/imapclient"
)

// Client reads the inbox over one long-lived IMAP session. The session
// is opened on first use, checked with NOOP before each use and redialled
// when the server has dropped it. Methods are safe for concurrent use;
// IMAP commands are serialized on the session.
type Client struct {
	cfg    IMAPConfig
	logger *slog.Logger
	dial   func(ctx context.Context, addr string) (net.Conn, error)

	mu   sync.Mutex
	sess *imapclient.Client
}

// NewClient returns a Client for cfg. Nothing is dialled until the first
// read or Ping.
func NewClient(cfg IMAPConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	c := &Client{cfg: cfg, logger: logger.With("component", "imap")}
	c.dial = c.dialServer
	return c
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// dialServer opens the transport, honouring ctx for the connect phase.
func (c *Client) dialServer(ctx context.Context, addr string) (net.Conn, error) {
	if c.cfg.TLS {
		d := &tls.Dialer{Config: &tls.Config{ServerName: c.cfg.Host}}
		return d.DialContext(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// session returns a live, authenticated session. Caller must hold c.mu.
func (c *Client) session(ctx context.Context) (*imapclient.Client, error) {
	if c.sess != nil {
		if err := c.sess.Noop().Wait(); err == nil {
			return c.sess, nil
		}
		c.logger.Debug("imap session dropped, redialling", "host", c.cfg.Host)
		_ = c.sess.Close()
		c.sess = nil
	}

	addr := c.addr()
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial IMAP %s: %w", addr, err)
	}
	sess := imapclient.New(conn, nil)
	if err := sess.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("login as %s: %w", c.cfg.Username, err)
	}

	c.sess = sess
	c.logger.Info("imap session opened", "host", c.cfg.Host, "user", c.cfg.Username)
	return sess, nil
}

// Ping reports whether the inbox is reachable, opening a session if there
// is none. It is the health check for the mailbox watcher.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.session(ctx)
	return err
}

// Close ends the session, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return nil
	}
	err := c.sess.Close()
	c.sess = nil
	return err
}
