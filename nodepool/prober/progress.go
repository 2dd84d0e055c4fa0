package prober

import (
	"sync/atomic"

	"proxynode/nodepool/model"
)

// Progress counts finished probes of one sweep. Safe for concurrent use.
type Progress struct {
	completed atomic.Int64
	total     int64
}

func NewProgress(total int) *Progress {
	return &Progress{total: int64(total)}
}

func (p *Progress) advance() {
	p.completed.Add(1)
}

func (p *Progress) Snapshot() model.ProgressSnapshot {
	return model.ProgressSnapshot{
		Completed: int(p.completed.Load()),
		Total:     int(p.total),
	}
}
