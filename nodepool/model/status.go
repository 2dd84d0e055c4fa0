package model

// NodeStatus pairs a record with a copy of its health for diagnostics.
type NodeStatus struct {
	Record NodeRecord  `json:"record"`
	Health HealthState `json:"health"`
}

// ProgressSnapshot is the completed/total count of a running sweep.
type ProgressSnapshot struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Percent returns the completion ratio in the range [0,100].
func (p ProgressSnapshot) Percent() int {
	if p.Total <= 0 {
		return 100
	}
	return p.Completed * 100 / p.Total
}
