package tunnel

import (
	"fmt"

	"proxynode/internal/shared/types"
	"proxynode/internal/tunnel/httpproxy"
	"proxynode/internal/tunnel/socks4proxy"
	"proxynode/internal/tunnel/socks5proxy"
	"proxynode/nodepool/model"
)

// Factory creates the protocol client for a node. It is the single entry
// point for creating any proxy client.
type Factory struct {
	// CheckTarget 是 socks4/http(s) 节点健康检查时 CONNECT 的目标 (host:port)。
	CheckTarget string
}

var _ types.ProxyClientFactory = (*Factory)(nil)

func NewFactory(checkTarget string) *Factory {
	if checkTarget == "" {
		checkTarget = types.DefaultCheckTarget
	}
	return &Factory{CheckTarget: checkTarget}
}

func (f *Factory) NewProxyClient(record model.NodeRecord) (types.ProxyClient, error) {
	switch record.Protocol {
	case model.ProtocolSocks5:
		return socks5proxy.NewClient(record), nil
	case model.ProtocolSocks4:
		return socks4proxy.NewClient(record, f.CheckTarget), nil
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		return httpproxy.NewClient(record, f.CheckTarget), nil
	default:
		return nil, fmt.Errorf("unknown or unsupported proxy protocol: '%s'", record.Protocol)
	}
}
