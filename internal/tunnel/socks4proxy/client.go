package socks4proxy

import (
	"context"
	"fmt"
	"net"

	M "github.com/sagernet/sing/common/metadata"
	"github.com/sagernet/sing/protocol/socks"
	"github.com/sagernet/sing/protocol/socks/socks4"

	"proxynode/internal/shared"
	"proxynode/internal/shared/types"
	"proxynode/nodepool/model"
)

// Client 实现 SOCKS4/4a。域名目标以 4a 形式发送给代理，本地不做解析。
// SOCKS4 没有独立的探测握手，健康检查对 checkTarget 发起一次 CONNECT。
type Client struct {
	record      model.NodeRecord
	checkTarget string
}

var _ types.ProxyClient = (*Client)(nil)

func NewClient(record model.NodeRecord, checkTarget string) *Client {
	return &Client{record: record, checkTarget: checkTarget}
}

func (c *Client) Connect(ctx context.Context, transport net.Conn, destination string) (net.Conn, error) {
	dest := M.ParseSocksaddr(destination)
	if !dest.IsValid() || dest.Port == 0 {
		return nil, fmt.Errorf("invalid destination '%s'", destination)
	}

	stop := shared.WatchContext(ctx, transport)
	_, err := socks.ClientHandshake4(transport, socks4.CommandConnect, dest, c.record.Username)
	stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("socks4 handshake: %w", err)
	}
	return transport, nil
}

func (c *Client) CheckConnection(ctx context.Context, transport net.Conn) error {
	_, err := c.Connect(ctx, transport, c.checkTarget)
	return err
}
