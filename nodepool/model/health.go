package model

import "time"

// HealthState 是单个节点的可变健康/评分数据，由所属 NodeItem 的锁保护。
type HealthState struct {
	IsActive        bool          `json:"is_active"` // 探测结果；false 时节点不参与选择，直到下一次探测成功
	Penalty         int           `json:"penalty"`   // 慢/失败时累加，每次成功最多衰减 1
	SucceededCount  int64         `json:"succeeded_count"`
	FailedCount     int64         `json:"failed_count"`
	Latency         time.Duration `json:"latency"`
	LastUsedTime    time.Time     `json:"last_used_time"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	RequestPosition int64         `json:"request_position"`
}

// DefaultHealthState is the state of a node that has never been used or probed.
// New nodes start active so they are selectable before the first sweep.
func DefaultHealthState() HealthState {
	return HealthState{IsActive: true}
}
