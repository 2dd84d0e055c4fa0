package types

// TrafficStats 用于报告流量统计信息
type TrafficStats struct {
	Uplink   uint64 `json:"uplink"`
	Downlink uint64 `json:"downlink"`
}
