package prober

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"proxynode/internal/shared/logger"
	"proxynode/internal/shared/types"
	"proxynode/nodepool/model"
)

const defaultProbeTimeout = 10 * time.Second

// Observer receives one callback per finished probe. nodepool/metrics implements it.
type Observer interface {
	ObserveProbe(record model.NodeRecord, ok bool, latency time.Duration)
}

type Config struct {
	Factory     types.ProxyClientFactory
	Dialer      types.TransportDialer
	Timeout     time.Duration
	Parallelism int // <=0: 每个节点一个并发探测

	OnProgress func(model.ProgressSnapshot)
	Observer   Observer
}

// Prober 对一组节点并发执行健康探测，并在全部完成后统一回写评分。
type Prober struct {
	cfg Config
}

func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	return &Prober{cfg: cfg}
}

type result struct {
	latency time.Duration
	err     error
}

// Run probes every item and waits for all of them. A slow or hanging node is
// bounded by the probe timeout and never cancels its siblings.
//
// If ctx is cancelled the results are discarded and ctx.Err() is returned, so
// an aborted sweep does not mark nodes down.
func (p *Prober) Run(ctx context.Context, items []*model.NodeItem, counter int64, progress *Progress) error {
	l := logger.WithComponent("ProxyNode/Prober")
	if progress == nil {
		progress = NewProgress(len(items))
	}
	if len(items) == 0 {
		return ctx.Err()
	}

	var sem *semaphore.Weighted
	if p.cfg.Parallelism > 0 && p.cfg.Parallelism < len(items) {
		sem = semaphore.NewWeighted(int64(p.cfg.Parallelism))
	}

	l.Info().Int("count", len(items)).Int("parallelism", p.cfg.Parallelism).Dur("timeout", p.cfg.Timeout).Msg("Starting health sweep...")

	records := make([]model.NodeRecord, len(items))
	results := make([]result, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		records[i] = item.Record()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				progress.advance()
				if p.cfg.OnProgress != nil {
					p.cfg.OnProgress(progress.Snapshot())
				}
			}()

			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					results[i] = result{err: err}
					return
				}
				defer sem.Release(1)
			}
			results[i] = p.probe(ctx, records[i])
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		l.Warn().Err(err).Msg("Health sweep cancelled, results discarded.")
		return err
	}

	// fastest 只统计启用且探测成功的节点
	fastest := model.UnknownLatency
	for i, r := range results {
		if r.err != nil || !records[i].IsEnabled {
			continue
		}
		if fastest < 0 || r.latency < fastest {
			fastest = r.latency
		}
	}

	active := 0
	for i, item := range items {
		r := results[i]
		if r.err == nil {
			item.RecordSuccess(r.latency, fastest, counter)
			item.SetActive(true)
			active++
		} else {
			item.RecordFailed(r.err, counter)
			item.SetActive(false)
			l.Debug().Str("node_id", records[i].ID).Str("addr", records[i].Address()).Err(r.err).Msg("Probe failed.")
		}
		if p.cfg.Observer != nil {
			p.cfg.Observer.ObserveProbe(records[i], r.err == nil, r.latency)
		}
	}

	l.Info().Int("active", active).Int("total", len(items)).Dur("fastest", fastest).Msg("Health sweep finished.")
	return nil
}

// probe runs a single check under its own timeout. The check runs in a
// separate goroutine so a collaborator that ignores ctx still cannot hold
// the probe past its deadline.
func (p *Prober) probe(parent context.Context, record model.NodeRecord) result {
	ctx, cancel := context.WithTimeout(parent, p.cfg.Timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		done <- p.check(ctx, record)
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return result{err: fmt.Errorf("probe %s: %w", record.Address(), ctx.Err())}
	}
}

func (p *Prober) check(ctx context.Context, record model.NodeRecord) result {
	client, err := p.cfg.Factory.NewProxyClient(record)
	if err != nil {
		return result{err: fmt.Errorf("create client for %s: %w", record, err)}
	}

	start := time.Now()
	conn, err := p.cfg.Dialer.DialContext(ctx, "tcp", record.Address())
	if err != nil {
		return result{err: fmt.Errorf("dial %s: %w", record.Address(), err)}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := client.CheckConnection(ctx, conn); err != nil {
		return result{err: fmt.Errorf("check %s: %w", record.Address(), err)}
	}
	return result{latency: time.Since(start)}
}
