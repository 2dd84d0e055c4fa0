package types

import (
	"context"
	"net"

	"proxynode/nodepool/model"
)

// ProxyClient 负责在一条已连接到上游代理的传输连接上完成代理协议握手。
// SOCKS/HTTP 协议的具体实现位于 internal/tunnel。
type ProxyClient interface {
	// Connect asks the proxy behind transport to open a tunnel to destination
	// ("host:port"). The returned conn carries the tunneled stream and owns
	// transport.
	Connect(ctx context.Context, transport net.Conn, destination string) (net.Conn, error)

	// CheckConnection performs the protocol's lightweight reachability handshake.
	CheckConnection(ctx context.Context, transport net.Conn) error
}

// ProxyClientFactory 根据节点的 Protocol 创建对应的 ProxyClient。
type ProxyClientFactory interface {
	NewProxyClient(record model.NodeRecord) (ProxyClient, error)
}

// TransportDialer 创建到代理节点的原始 TCP 连接 (可能带有 VPN 旁路保护)。
type TransportDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NodesSubscriber 在节点配置变更时被通知。
type NodesSubscriber interface {
	OnNodesUpdate(records []model.NodeRecord)
}
