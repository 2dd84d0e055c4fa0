package manager

import (
	"context"
	"fmt"
	"net"
	"time"

	"proxynode/internal/shared/logger"
	"proxynode/nodepool/model"
	"proxynode/nodepool/selector"
)

// Connect opens a tunnel to destination ("host:port") through the best
// available node, failing over to the next candidate on error.
//
// The candidate order is fixed when the call starts. A failed attempt degrades
// the node's ranking but never deactivates it. If every candidate fails, or
// none is active and enabled, the error matches ErrNoProxyReachable.
// Cancellation of ctx is returned as ctx.Err() and not charged to the node.
func (m *Manager) Connect(ctx context.Context, destination string) (net.Conn, error) {
	l := logger.WithComponent("ProxyNode/Manager")

	counter := m.requestCount.Add(1)
	candidates := selector.Order(m.snapshot(), counter)
	if len(candidates) == 0 {
		m.opts.Metrics.ObservePoolExhausted()
		return nil, &NoReachableError{Destination: destination}
	}

	var errs []error
	for _, item := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record := item.Record()
		start := time.Now()
		conn, err := m.attempt(ctx, record, destination)
		if err == nil {
			latency := time.Since(start)
			item.RecordSuccess(latency, m.fastestLatency(), m.requestCount.Load())
			m.observeFastest(item, latency)
			m.lastConn.Store(connSucceeded)
			m.opts.Metrics.ObserveConnect(true)
			m.opts.Metrics.SetNodeHealth(record.ID, item.Health())

			l.Debug().Str("node_id", record.ID).Str("dest", destination).Dur("latency", latency).Msg("Connected through node.")
			return conn, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		item.RecordFailed(err, m.requestCount.Load())
		m.lastConn.Store(connFailed)
		m.opts.Metrics.ObserveConnect(false)
		m.opts.Metrics.SetNodeHealth(record.ID, item.Health())

		l.Warn().Str("node_id", record.ID).Str("node", record.String()).Str("dest", destination).Err(err).Msg("Connection through node failed, trying next.")
		errs = append(errs, fmt.Errorf("%s: %w", record, err))
	}

	m.opts.Metrics.ObservePoolExhausted()
	l.Error().Int("attempted", len(candidates)).Str("dest", destination).Msg("All candidate nodes failed.")
	return nil, &NoReachableError{Destination: destination, Attempted: len(candidates), Errs: errs}
}

type connResult struct {
	conn net.Conn
	err  error
}

// attempt dials the node and runs the proxy handshake under ConnectTimeout.
// The transport is closed on every failure path.
func (m *Manager) attempt(parent context.Context, record model.NodeRecord, destination string) (net.Conn, error) {
	client, err := m.opts.Factory.NewProxyClient(record)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(parent, m.opts.ConnectTimeout)
	defer cancel()

	transport, err := m.opts.Dialer.DialContext(ctx, "tcp", record.Address())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = transport.SetDeadline(deadline)
	}

	done := make(chan connResult, 1)
	go func() {
		conn, err := client.Connect(ctx, transport, destination)
		done <- connResult{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			transport.Close()
			return nil, fmt.Errorf("handshake: %w", r.err)
		}
		_ = transport.SetDeadline(time.Time{})
		return r.conn, nil
	case <-ctx.Done():
		transport.Close()
		go func() {
			// 握手可能在超时后才返回，此时连接已无人使用
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("handshake: %w", ctx.Err())
	}
}

// fastestLatency is the latency of the fastest node seen so far, or
// model.UnknownLatency before the first successful connection.
func (m *Manager) fastestLatency() time.Duration {
	f := m.fastest.Load()
	if f == nil {
		return model.UnknownLatency
	}
	return f.Health().Latency
}

func (m *Manager) observeFastest(item *model.NodeItem, latency time.Duration) {
	for {
		cur := m.fastest.Load()
		if cur != nil && cur != item && cur.Health().Latency <= latency {
			return
		}
		if m.fastest.CompareAndSwap(cur, item) {
			return
		}
	}
}
