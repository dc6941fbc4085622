// Package rdp owns the transport for one NLA session: it dials the target,
// upgrades to TLS, and drives the CredSSP generator over the secured
// stream. All network I/O lives here; the generator only ever sees byte
// slices.
package rdp

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	readBufferSize  = 8192
	defaultRDPPort  = "3389"
	connectDeadline = 30 * time.Second
)

// Client holds the target, credentials, and transport state for one NLA
// session. A client is single-use: Connect, StartTLS, Negotiate, Close.
type Client struct {
	host     string
	domain   string
	username string
	password string

	conn       net.Conn
	buffReader *bufio.Reader

	skipTLSValidation bool
	tlsServerName     string

	sessionKey []byte
	rounds     int
}

// NewClient builds a client for the given target. host may carry an
// explicit port; otherwise the standard RDP port is used.
func NewClient(host, username, password string) (*Client, error) {
	if strings.TrimSpace(host) == "" {
		return nil, ErrEmptyHost
	}

	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, defaultRDPPort)
	}

	return &Client{
		host:     host,
		username: username,
		password: password,
	}, nil
}

// SetTLSConfig overrides certificate validation behavior for StartTLS.
func (c *Client) SetTLSConfig(skipValidation bool, serverName string) {
	c.skipTLSValidation = skipValidation
	c.tlsServerName = serverName
}

// SetDomain sets an explicit authentication domain, used when the username
// does not embed one.
func (c *Client) SetDomain(domain string) {
	c.domain = domain
}

// Connect dials the target over TCP.
func (c *Client) Connect(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = connectDeadline
	}

	conn, err := net.DialTimeout("tcp", c.host, timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.host, err)
	}

	c.conn = conn
	c.buffReader = bufio.NewReaderSize(conn, readBufferSize)

	return nil
}

// Close tears the transport down. The session key, if any, survives Close.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.buffReader = nil
	return err
}

// SessionKey returns the session artifact after a successful Negotiate.
func (c *Client) SessionKey() []byte {
	return c.sessionKey
}

// Rounds returns how many tokens were transmitted during Negotiate.
func (c *Client) Rounds() int {
	return c.rounds
}

// parseDomainUser splits DOMAIN\user and user@domain forms, falling back to
// the explicitly configured domain.
func (c *Client) parseDomainUser() (domain, user string) {
	username := c.username

	if idx := strings.Index(username, "\\"); idx != -1 {
		return username[:idx], username[idx+1:]
	}

	if idx := strings.Index(username, "@"); idx != -1 {
		return username[idx+1:], username[:idx]
	}

	return c.domain, username
}

// serverName returns the target host without its port.
func (c *Client) serverName() string {
	host, _, err := net.SplitHostPort(c.host)
	if err != nil {
		return c.host
	}
	return host
}
