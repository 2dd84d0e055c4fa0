package shared

import (
	"net"
	"sync"
	"sync/atomic"

	"proxynode/internal/shared/types"
)

// TrafficCounter 累计一组连接的上下行字节数。
type TrafficCounter struct {
	uplink   atomic.Uint64
	downlink atomic.Uint64
}

func (t *TrafficCounter) Snapshot() types.TrafficStats {
	return types.TrafficStats{Uplink: t.uplink.Load(), Downlink: t.downlink.Load()}
}

// CountedConn 是一个 net.Conn 的包装器，用于原子地统计上行和下行流量。
// 流量同时计入本连接和共享的 TrafficCounter；关闭时通过 onClose 报告本连接的总量。
type CountedConn struct {
	net.Conn
	total    *TrafficCounter
	uplink   atomic.Uint64
	downlink atomic.Uint64

	onClose   func(up, down uint64)
	closeOnce sync.Once
}

// NewCountedConn 创建一个新的 CountedConn 实例。total 与 onClose 均可为 nil。
func NewCountedConn(conn net.Conn, total *TrafficCounter, onClose func(up, down uint64)) *CountedConn {
	return &CountedConn{
		Conn:    conn,
		total:   total,
		onClose: onClose,
	}
}

// Read 从底层连接读取数据，并增加下行流量计数。
func (c *CountedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.downlink.Add(uint64(n))
		if c.total != nil {
			c.total.downlink.Add(uint64(n))
		}
	}
	return n, err
}

// Write 将数据写入底层连接，并增加上行流量计数。
func (c *CountedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.uplink.Add(uint64(n))
		if c.total != nil {
			c.total.uplink.Add(uint64(n))
		}
	}
	return n, err
}

func (c *CountedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose(c.uplink.Load(), c.downlink.Load())
		}
	})
	return err
}

// Stats returns the traffic of this connection only.
func (c *CountedConn) Stats() types.TrafficStats {
	return types.TrafficStats{Uplink: c.uplink.Load(), Downlink: c.downlink.Load()}
}
