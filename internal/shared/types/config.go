package types

import "time"

// LocalConf 包含本地监听相关的配置
type LocalConf struct {
	SocksPort   int    `ini:"socks_port"`
	WebPort     int    `ini:"web_port"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level   string `ini:"level"`
	NoColor bool   `ini:"no_color"`
}

// NodePoolConf 是代理节点池的行为配置。时长字段单位均为秒。
type NodePoolConf struct {
	StateFile        string `ini:"state_file"`
	NodesFile        string `ini:"nodes_file"`
	ProbeTimeout     int    `ini:"probe_timeout"`
	ConnectTimeout   int    `ini:"connect_timeout"`
	SweepInterval    int    `ini:"sweep_interval"`
	ProbeParallelism int    `ini:"probe_parallelism"`
	ResetStates      bool   `ini:"reset_states"`
	CheckTarget      string `ini:"check_target"`
	SocketMark       int    `ini:"socket_mark"`
	WatchNodes       bool   `ini:"watch_nodes"`
}

// Config 是项目的统一行为配置 (proxynode.ini)
type Config struct {
	LocalConf    `ini:"local"`
	LogConf      `ini:"log"`
	NodePoolConf `ini:"nodepool"`
}

const (
	DefaultProbeTimeout   = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultSweepInterval  = 5 * time.Minute
	DefaultCheckTarget    = "www.gstatic.com:443"
	DefaultStateFile      = "node_states.json"
	DefaultNodesFile      = "nodes.json"
)

// NewDefaultConfig returns a config with every field set to its default.
func NewDefaultConfig() *Config {
	return &Config{
		LocalConf: LocalConf{SocksPort: 1080},
		LogConf:   LogConf{Level: "info"},
		NodePoolConf: NodePoolConf{
			StateFile:      DefaultStateFile,
			NodesFile:      DefaultNodesFile,
			ProbeTimeout:   int(DefaultProbeTimeout / time.Second),
			ConnectTimeout: int(DefaultConnectTimeout / time.Second),
			SweepInterval:  int(DefaultSweepInterval / time.Second),
			CheckTarget:    DefaultCheckTarget,
			WatchNodes:     true,
		},
	}
}

func (c NodePoolConf) ProbeTimeoutDuration() time.Duration {
	return secondsOr(c.ProbeTimeout, DefaultProbeTimeout)
}

func (c NodePoolConf) ConnectTimeoutDuration() time.Duration {
	return secondsOr(c.ConnectTimeout, DefaultConnectTimeout)
}

func (c NodePoolConf) SweepIntervalDuration() time.Duration {
	return secondsOr(c.SweepInterval, DefaultSweepInterval)
}

func secondsOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}
