// Package transport creates the raw TCP connections to proxy nodes.
package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"proxynode/internal/shared/logger"
)

// Protector 由移动端实现 (例如 Android VpnService.protect)，使到节点的连接绕过 VPN 自身。
type Protector interface {
	Protect(fd int) bool
}

// Dialer 是到代理节点的 TCP 拨号器，可选地为每个 socket 设置 SO_MARK 或调用 Protector。
type Dialer struct {
	dialer    net.Dialer
	mark      int
	protector Protector
}

// NewDialer returns a dialer with the given connect timeout and socket mark (0: none).
func NewDialer(timeout time.Duration, mark int, protector Protector) *Dialer {
	d := &Dialer{mark: mark, protector: protector}
	d.dialer = net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Control:   d.control,
	}
	if mark != 0 && !markSupported {
		logger.Warn().Int("mark", mark).Msg("socket_mark is not supported on this platform, ignoring.")
	}
	return d
}

func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.dialer.DialContext(ctx, network, address)
}

func (d *Dialer) control(network, address string, c syscall.RawConn) error {
	if d.mark == 0 && d.protector == nil {
		return nil
	}
	var opErr error
	err := c.Control(func(fd uintptr) {
		if d.mark != 0 {
			if opErr = setMark(fd, d.mark); opErr != nil {
				return
			}
		}
		if d.protector != nil && !d.protector.Protect(int(fd)) {
			opErr = fmt.Errorf("failed to protect socket for %s", address)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
