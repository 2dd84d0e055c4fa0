package shared

import (
	"context"
	"net"
	"time"
)

var aLongTimeAgo = time.Unix(1, 0)

// WatchContext 在 ctx 结束时让 conn 上阻塞中的读写立即返回。
// 握手结束后必须调用返回的 stop。
func WatchContext(ctx context.Context, conn net.Conn) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(aLongTimeAgo)
		case <-done:
		}
	}()
	return func() { close(done) }
}
