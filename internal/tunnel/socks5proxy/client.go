package socks5proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/net/proxy"

	"proxynode/internal/shared"
	"proxynode/internal/shared/types"
	"proxynode/nodepool/model"
)

const (
	socksVersion5        = 0x05
	authNone             = 0x00
	authUsernamePassword = 0x02
	authNoAcceptable     = 0xFF
	userPassVersion      = 0x01
)

// Client 在已建立的 TCP 连接上完成 SOCKS5 握手。
type Client struct {
	record model.NodeRecord
}

var _ types.ProxyClient = (*Client)(nil)

func NewClient(record model.NodeRecord) *Client {
	return &Client{record: record}
}

// pipeDialer hands the already dialed transport to x/net/proxy instead of opening a new one.
type pipeDialer struct{ conn net.Conn }

func (d *pipeDialer) Dial(network, addr string) (net.Conn, error) { return d.conn, nil }

func (d *pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.conn, nil
}

func (c *Client) auth() *proxy.Auth {
	if c.record.Username == "" {
		return nil
	}
	return &proxy.Auth{User: c.record.Username, Password: c.record.Password}
}

// Connect issues a SOCKS5 CONNECT for destination. Hostnames are sent to the
// proxy as-is and never resolved locally.
func (c *Client) Connect(ctx context.Context, transport net.Conn, destination string) (net.Conn, error) {
	dialer, err := proxy.SOCKS5("tcp", c.record.Address(), c.auth(), &pipeDialer{conn: transport})
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	return cd.DialContext(ctx, "tcp", destination)
}

// CheckConnection performs only the method negotiation (and the
// username/password sub-negotiation when credentials are configured).
func (c *Client) CheckConnection(ctx context.Context, transport net.Conn) error {
	stop := shared.WatchContext(ctx, transport)
	defer stop()

	greeting := []byte{socksVersion5, 1, authNone}
	if c.record.Username != "" {
		greeting = []byte{socksVersion5, 2, authNone, authUsernamePassword}
	}
	if _, err := transport.Write(greeting); err != nil {
		return fmt.Errorf("failed to write greeting: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(transport, reply); err != nil {
		return fmt.Errorf("failed to read method selection: %w", err)
	}
	if reply[0] != socksVersion5 {
		return fmt.Errorf("unexpected socks version %d", reply[0])
	}

	switch reply[1] {
	case authNone:
		return nil
	case authUsernamePassword:
		if c.record.Username == "" {
			return errors.New("proxy requires authentication")
		}
		return c.authenticate(transport)
	case authNoAcceptable:
		return errors.New("no acceptable authentication method")
	default:
		return fmt.Errorf("unsupported authentication method %d", reply[1])
	}
}

func (c *Client) authenticate(conn net.Conn) error {
	user, pass := c.record.Username, c.record.Password
	if len(user) > 255 || len(pass) > 255 {
		return errors.New("username or password too long")
	}
	req := make([]byte, 0, 3+len(user)+len(pass))
	req = append(req, userPassVersion, byte(len(user)))
	req = append(req, user...)
	req = append(req, byte(len(pass)))
	req = append(req, pass...)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("failed to write auth request: %w", err)
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	if resp[1] != 0x00 {
		return errors.New("username/password authentication failed")
	}
	return nil
}
