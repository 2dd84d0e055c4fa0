package gateway

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"sync"

	socks5 "github.com/armon/go-socks5"

	"proxynode/internal/shared"
	"proxynode/internal/shared/logger"
	"proxynode/internal/shared/types"
	"proxynode/nodepool/metrics"
)

// Connector opens a tunnel to destination through an upstream node.
// *manager.Manager satisfies it.
type Connector interface {
	Connect(ctx context.Context, destination string) (net.Conn, error)
}

// Gateway 是本地 SOCKS5 入口: 每个 CONNECT 请求都交给节点池建立上游连接。
type Gateway struct {
	listener   net.Listener
	server     *socks5.Server
	connector  Connector
	metrics    *metrics.Recorder
	traffic    shared.TrafficCounter
	listenHost string
	listenPort int
	closeOnce  sync.Once
	waitGroup  sync.WaitGroup
}

func New(listenPort int, connector Connector, rec *metrics.Recorder) (*Gateway, error) {
	g := &Gateway{
		listenHost: "127.0.0.1",
		listenPort: listenPort,
		connector:  connector,
		metrics:    rec,
	}

	l := logger.WithComponent("Gateway")
	server, err := socks5.New(&socks5.Config{
		// 只允许 CONNECT; 域名原样交给上游代理解析
		Rules:    &socks5.PermitCommand{EnableConnect: true},
		Resolver: passthroughResolver{},
		Dial:     g.dial,
		Logger:   stdlog.New(l, "", 0),
	})
	if err != nil {
		return nil, fmt.Errorf("create socks5 server: %w", err)
	}
	g.server = server
	return g, nil
}

// InitializeListener 负责监听端口并准备服务，但不阻塞。
// 它返回实际监听的端口号。
func (g *Gateway) InitializeListener() (int, error) {
	// 如果 listenPort 为 0, net.Listen 会选择一个可用的动态端口
	listenAddr := net.JoinHostPort(g.listenHost, fmt.Sprint(g.listenPort))
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return 0, fmt.Errorf("gateway failed to listen on %s: %w", listenAddr, err)
	}
	g.listener = listener
	logger.Info().Str("listen_addr", listener.Addr().String()).Msg(">>> Gateway is listening.")
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// Serve 启动阻塞的 accept 循环。必须在 InitializeListener 之后调用。
func (g *Gateway) Serve() {
	if g.listener == nil {
		logger.Error().Msg("Gateway.Serve() called before InitializeListener()")
		return
	}
	g.waitGroup.Add(1)
	defer g.waitGroup.Done()

	if err := g.server.Serve(g.listener); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Warn().Err(err).Msg("Gateway accept loop stopped")
		return
	}
	logger.Info().Msg("Gateway listener is closing.")
}

// Addr returns the listening address, nil before InitializeListener.
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// TrafficStats returns the bytes relayed by this gateway since start.
func (g *Gateway) TrafficStats() types.TrafficStats {
	return g.traffic.Snapshot()
}

func (g *Gateway) dial(ctx context.Context, _ string, addr string) (net.Conn, error) {
	conn, err := g.connector.Connect(ctx, addr)
	if err != nil {
		logger.Debug().Err(err).Str("destination", addr).Msg("Gateway: upstream connect failed")
		return nil, err
	}
	g.metrics.ConnOpened()
	return boundConn{shared.NewCountedConn(conn, &g.traffic, g.metrics.ConnClosed)}, nil
}

// boundConn 保证 LocalAddr 是 *net.TCPAddr: socks5 的 CONNECT 应答会直接断言该类型。
type boundConn struct {
	*shared.CountedConn
}

func (c boundConn) LocalAddr() net.Addr {
	if addr, ok := c.CountedConn.LocalAddr().(*net.TCPAddr); ok {
		return addr
	}
	return &net.TCPAddr{IP: net.IPv4zero}
}

func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		if g.listener != nil {
			g.listener.Close()
		}
		g.waitGroup.Wait()
		logger.Info().Msg("Gateway has been shut down")
	})
}

// passthroughResolver 不做本地 DNS: 返回 nil IP 时请求保留 FQDN。
type passthroughResolver struct{}

func (passthroughResolver) Resolve(ctx context.Context, _ string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}
