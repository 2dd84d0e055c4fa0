package httpproxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"

	utls "github.com/refraction-networking/utls"

	"proxynode/internal/shared"
	"proxynode/internal/shared/types"
	"proxynode/nodepool/model"
)

const userAgent = "proxynode/1.0"

// Client 通过 HTTP CONNECT 建立隧道。HTTPS 节点先与代理本身完成 TLS 握手 (uTLS 指纹)。
type Client struct {
	record      model.NodeRecord
	checkTarget string
}

var _ types.ProxyClient = (*Client)(nil)

func NewClient(record model.NodeRecord, checkTarget string) *Client {
	return &Client{record: record, checkTarget: checkTarget}
}

func (c *Client) Connect(ctx context.Context, transport net.Conn, destination string) (net.Conn, error) {
	stop := shared.WatchContext(ctx, transport)
	conn, err := c.connect(ctx, transport, destination)
	stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) connect(ctx context.Context, transport net.Conn, destination string) (net.Conn, error) {
	conn := transport
	if c.record.Protocol == model.ProtocolHTTPS {
		uconn := utls.UClient(transport, &utls.Config{
			ServerName:         c.record.Host,
			InsecureSkipVerify: c.record.TLSInsecure,
			MinVersion:         utls.VersionTLS12,
		}, utls.HelloChrome_Auto)
		if err := uconn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("tls handshake with proxy: %w", err)
		}
		conn = uconn
	}

	// 发送 HTTP CONNECT 请求
	connectReq := &http.Request{
		Method: "CONNECT",
		URL:    &url.URL{Host: destination},
		Host:   destination,
		Header: make(http.Header),
	}
	if c.record.Username != "" {
		auth := c.record.Username + ":" + c.record.Password
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	}
	connectReq.Header.Set("User-Agent", userAgent)

	if err := connectReq.Write(conn); err != nil {
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}

	// 读取并验证 CONNECT 响应
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy returned %s for CONNECT %s", resp.Status, destination)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// CheckConnection opens a CONNECT tunnel to the check target.
func (c *Client) CheckConnection(ctx context.Context, transport net.Conn) error {
	_, err := c.Connect(ctx, transport, c.checkTarget)
	return err
}

// bufferedConn 保证 CONNECT 响应之后已被读入缓冲区的数据不会丢失。
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
