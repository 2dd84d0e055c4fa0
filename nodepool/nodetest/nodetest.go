// Package nodetest provides an in-memory proxy pool for tests: a transport
// dialer and a proxy client factory whose behaviour is scripted per node.
package nodetest

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"proxynode/internal/shared/types"
	"proxynode/nodepool/model"
)

// Behavior scripts how a fake node answers.
type Behavior struct {
	DialErr error

	CheckDelay time.Duration
	CheckErr   error

	ConnectDelay time.Duration
	ConnectErr   error

	// Hang blocks the check and connect handshakes, ignoring ctx, until Release is called.
	Hang bool
}

// Node builds an enabled socks5 record with a unique, unroutable address.
func Node(id string) model.NodeRecord {
	return model.NodeRecord{
		ID:        id,
		Host:      id + ".invalid",
		Port:      1080,
		Protocol:  model.ProtocolSocks5,
		IsEnabled: true,
	}
}

// Pool implements both types.TransportDialer and types.ProxyClientFactory.
type Pool struct {
	mu        sync.Mutex
	behaviors map[string]Behavior
	conns     []*Conn

	dials       atomic.Int64
	release     chan struct{}
	releaseOnce sync.Once
}

func NewPool() *Pool {
	return &Pool{
		behaviors: make(map[string]Behavior),
		release:   make(chan struct{}),
	}
}

// Set scripts the behavior of the node listening on record.Address().
func (p *Pool) Set(record model.NodeRecord, b Behavior) {
	p.mu.Lock()
	p.behaviors[record.Address()] = b
	p.mu.Unlock()
}

func (p *Pool) behavior(addr string) Behavior {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.behaviors[addr]
}

// Release unblocks every hanging handshake.
func (p *Pool) Release() {
	p.releaseOnce.Do(func() { close(p.release) })
}

// Dials is the number of transport dials attempted so far.
func (p *Pool) Dials() int64 {
	return p.dials.Load()
}

// OpenConns counts transports handed out and not closed yet.
func (p *Pool) OpenConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		if !c.Closed() {
			n++
		}
	}
	return n
}

func (p *Pool) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	p.dials.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b := p.behavior(address); b.DialErr != nil {
		return nil, b.DialErr
	}

	local, remote := net.Pipe()
	go func() {
		// 丢弃写入的数据，直到任一端关闭
		buf := make([]byte, 512)
		for {
			if _, err := remote.Read(buf); err != nil {
				return
			}
		}
	}()

	c := &Conn{Conn: local, peer: remote, addr: address}
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return c, nil
}

func (p *Pool) NewProxyClient(record model.NodeRecord) (types.ProxyClient, error) {
	return &client{pool: p, addr: record.Address()}, nil
}

type client struct {
	pool *Pool
	addr string
}

func (c *client) wait(ctx context.Context, b Behavior, delay time.Duration) error {
	if b.Hang {
		<-c.pool.release
		return nil
	}
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) CheckConnection(ctx context.Context, transport net.Conn) error {
	b := c.pool.behavior(c.addr)
	if err := c.wait(ctx, b, b.CheckDelay); err != nil {
		return err
	}
	return b.CheckErr
}

func (c *client) Connect(ctx context.Context, transport net.Conn, destination string) (net.Conn, error) {
	b := c.pool.behavior(c.addr)
	if err := c.wait(ctx, b, b.ConnectDelay); err != nil {
		return nil, err
	}
	if b.ConnectErr != nil {
		return nil, b.ConnectErr
	}
	return transport, nil
}

// Conn is a pipe-backed transport that remembers whether it was closed.
type Conn struct {
	net.Conn
	peer   net.Conn
	addr   string
	closed atomic.Bool
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	c.peer.Close()
	return c.Conn.Close()
}

func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Addr is the node address this transport was dialed to.
func (c *Conn) Addr() string {
	return c.addr
}
