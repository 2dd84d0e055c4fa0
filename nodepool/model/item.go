package model

import (
	"sync"
	"time"
)

const (
	// UnknownLatency marks the absence of a reference latency (no fastest node yet).
	UnknownLatency time.Duration = -1

	// slowGrace is added on top of twice the fastest latency before an outcome counts as slow.
	slowGrace = 2 * time.Second

	failurePenalty   = 2
	positionPerPoint = 3
)

// timeNow strips the monotonic reading so persisted timestamps compare equal after a reload.
var timeNow = func() time.Time { return time.Now().UTC().Round(0) }

// NodeItem 将节点配置与其健康状态绑定在一起，并实现评分/惩罚状态机。
// 所有对评分字段的读写都在 item 自身的锁内完成；item 之间相互独立，无需锁排序。
type NodeItem struct {
	mu     sync.Mutex
	record NodeRecord
	health HealthState
}

func NewNodeItem(record NodeRecord, health HealthState) *NodeItem {
	if health.Penalty < 0 {
		health.Penalty = 0
	}
	return &NodeItem{record: record, health: health}
}

// ID is the identity of the item, taken from its record.
func (it *NodeItem) ID() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.record.ID
}

func (it *NodeItem) Record() NodeRecord {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.record
}

// SetRecord swaps in a new configuration for the same node ID, keeping its health.
func (it *NodeItem) SetRecord(record NodeRecord) {
	it.mu.Lock()
	it.record = record
	it.mu.Unlock()
}

// Health returns a copy of the current health state.
func (it *NodeItem) Health() HealthState {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.health
}

func (it *NodeItem) ResetHealth() {
	it.mu.Lock()
	it.health = DefaultHealthState()
	it.mu.Unlock()
}

func (it *NodeItem) SetActive(active bool) {
	it.mu.Lock()
	it.health.IsActive = active
	it.mu.Unlock()
}

// RecordSuccess registers a successful connect or probe.
// An outcome slower than 2*fastest+2s adds one penalty point; otherwise an
// existing penalty decays by one. fastest == UnknownLatency disables the slow check.
func (it *NodeItem) RecordSuccess(latency, fastest time.Duration, counter int64) {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.health.SucceededCount++
	it.health.Latency = latency
	it.health.LastUsedTime = timeNow()

	if fastest >= 0 && latency > fastest*2+slowGrace {
		it.health.Penalty++
	} else if it.health.Penalty > 0 {
		it.health.Penalty--
	}
	it.updatePosition(counter)
}

// RecordFailed registers a failed connect or probe. It never changes IsActive;
// deactivation is decided by the prober alone.
func (it *NodeItem) RecordFailed(err error, counter int64) {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.health.Penalty += failurePenalty
	it.health.FailedCount++
	it.health.LastUsedTime = timeNow()
	if err != nil {
		it.health.ErrorMessage = err.Error()
	} else {
		it.health.ErrorMessage = ""
	}
	it.updatePosition(counter)
}

// SortValue is the distance of the node's position from the request counter.
// Lower values are selected first.
func (it *NodeItem) SortValue(counter int64) int64 {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.health.RequestPosition - counter
}

// Snapshot reads everything the selector needs under a single lock acquisition.
func (it *NodeItem) Snapshot(counter int64) ItemSnapshot {
	it.mu.Lock()
	defer it.mu.Unlock()
	return ItemSnapshot{
		Selectable:   it.health.IsActive && it.record.IsEnabled,
		SortValue:    it.health.RequestPosition - counter,
		LastUsedTime: it.health.LastUsedTime,
	}
}

// ItemSnapshot is a point-in-time view of the fields used for ordering.
type ItemSnapshot struct {
	Selectable   bool
	SortValue    int64
	LastUsedTime time.Time
}

// updatePosition must be called with it.mu held.
func (it *NodeItem) updatePosition(counter int64) {
	it.health.RequestPosition = counter + int64(it.health.Penalty)*positionPerPoint + 1
}
