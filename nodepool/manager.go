package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"proxynode/internal/shared/logger"
	"proxynode/internal/shared/types"
	"proxynode/nodepool/metrics"
	"proxynode/nodepool/model"
	"proxynode/nodepool/prober"
	"proxynode/nodepool/storage"
)

// Options 是创建 Manager 所需的依赖与参数。
type Options struct {
	Records     []model.NodeRecord
	ResetStates bool // 忽略已持久化的健康状态

	Storage storage.Storage // nil: 不加载也不保存
	Factory types.ProxyClientFactory
	Dialer  types.TransportDialer

	ProbeTimeout     time.Duration
	ConnectTimeout   time.Duration
	ProbeParallelism int

	Metrics    *metrics.Recorder
	OnProgress func(model.ProgressSnapshot)
}

// Status is a point-in-time copy of the pool for diagnostics.
type Status struct {
	Nodes                   []model.NodeStatus      `json:"nodes"`
	LastConnectionSucceeded *bool                   `json:"last_connection_succeeded"`
	IsEnabled               bool                    `json:"is_enabled"`
	Progress                *model.ProgressSnapshot `json:"progress,omitempty"`
}

const (
	connUnknown int32 = iota
	connSucceeded
	connFailed
)

// Manager 是代理节点池的总控制器：维护节点列表、执行健康检查、按评分选择节点并在失败时切换。
//
// 节点列表以 copy-on-write 切片的形式保存在 atomic.Pointer 中；评分只在各 NodeItem 自己的锁内修改，
// 因此 Connect 与 RunHealthSweep 之间没有全局锁。
type Manager struct {
	opts   Options
	prober *prober.Prober

	items    atomic.Pointer[[]*model.NodeItem]
	updateMu sync.Mutex // 串行化节点列表的替换

	requestCount atomic.Int64
	fastest      atomic.Pointer[model.NodeItem] // 生命周期内观察到的最快节点
	lastConn     atomic.Int32

	sweeping atomic.Bool
	progress atomic.Pointer[prober.Progress]

	closeOnce sync.Once
}

// New 创建管理器：加载持久化快照，并与配置的节点列表对齐。
func New(opts Options) *Manager {
	l := logger.WithComponent("ProxyNode/Manager")

	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = types.DefaultConnectTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = types.DefaultProbeTimeout
	}

	m := &Manager{opts: opts}

	pc := prober.Config{
		Factory:     opts.Factory,
		Dialer:      opts.Dialer,
		Timeout:     opts.ProbeTimeout,
		Parallelism: opts.ProbeParallelism,
		OnProgress:  opts.OnProgress,
	}
	if opts.Metrics != nil {
		pc.Observer = opts.Metrics
	}
	m.prober = prober.New(pc)

	saved := m.loadStates()
	items := reconcile(nil, opts.Records, saved)
	m.items.Store(&items)
	m.syncNodeMetrics(items)

	l.Info().Int("nodes", len(items)).Int("restored", len(saved)).Bool("reset", opts.ResetStates).Msg("Node pool initialized.")
	return m
}

func (m *Manager) loadStates() map[string]model.HealthState {
	l := logger.WithComponent("ProxyNode/Manager")
	saved := make(map[string]model.HealthState)
	if m.opts.Storage == nil {
		return saved
	}
	if m.opts.ResetStates {
		l.Info().Msg("Reset requested, ignoring persisted node states.")
		return saved
	}

	entries, err := m.opts.Storage.Load()
	if err != nil {
		l.Warn().Err(err).Msg("Failed to load node states, starting with default health.")
		return saved
	}
	for _, e := range entries {
		saved[e.NodeID] = e.HealthState
	}
	return saved
}

// reconcile 按配置顺序构造新的节点列表：ID 仍存在的节点沿用原有 item (保留健康状态)，
// 新节点使用 saved 中的状态或默认状态，配置中已删除的节点被丢弃。
func reconcile(current []*model.NodeItem, records []model.NodeRecord, saved map[string]model.HealthState) []*model.NodeItem {
	l := logger.WithComponent("ProxyNode/Manager")

	byID := make(map[string]*model.NodeItem, len(current))
	for _, it := range current {
		byID[it.ID()] = it
	}

	seen := make(map[string]bool, len(records))
	out := make([]*model.NodeItem, 0, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			l.Warn().Str("node", rec.String()).Msg("Skipping node without id.")
			continue
		}
		if seen[rec.ID] {
			l.Warn().Str("node_id", rec.ID).Msg("Duplicate node id in configuration, keeping the first one.")
			continue
		}
		seen[rec.ID] = true

		if it, ok := byID[rec.ID]; ok {
			it.SetRecord(rec)
			out = append(out, it)
			continue
		}
		health := model.DefaultHealthState()
		if h, ok := saved[rec.ID]; ok {
			health = h
		}
		out = append(out, model.NewNodeItem(rec, health))
	}
	return out
}

func (m *Manager) snapshot() []*model.NodeItem {
	if p := m.items.Load(); p != nil {
		return *p
	}
	return nil
}

// UpdateConfiguration 用新的节点配置替换当前列表，ID 未变的节点保留健康状态。
// 持久化文件不会被修改，直到下一次保存。
func (m *Manager) UpdateConfiguration(records []model.NodeRecord) {
	l := logger.WithComponent("ProxyNode/Manager")

	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	current := m.snapshot()
	next := reconcile(current, records, nil)

	kept := make(map[*model.NodeItem]bool, len(next))
	for _, it := range next {
		kept[it] = true
	}
	removed := 0
	for _, it := range current {
		if !kept[it] {
			removed++
			m.opts.Metrics.ForgetNode(it.ID())
		}
	}
	if f := m.fastest.Load(); f != nil && !kept[f] {
		m.fastest.CompareAndSwap(f, nil)
	}

	m.items.Store(&next)
	m.syncNodeMetrics(next)
	l.Info().Int("nodes", len(next)).Int("removed", removed).Msg("Node configuration updated.")
}

// OnNodesUpdate implements types.NodesSubscriber.
func (m *Manager) OnNodesUpdate(records []model.NodeRecord) {
	m.UpdateConfiguration(records)
}

// IsEnabled reports whether at least one node is configured.
func (m *Manager) IsEnabled() bool {
	return len(m.snapshot()) > 0
}

// RunHealthSweep probes every node once. A call made while another sweep is
// running returns ErrSweepInProgress immediately.
func (m *Manager) RunHealthSweep(ctx context.Context) error {
	if !m.sweeping.CompareAndSwap(false, true) {
		return ErrSweepInProgress
	}
	defer m.sweeping.Store(false)

	items := m.snapshot()
	progress := prober.NewProgress(len(items))
	m.progress.Store(progress)
	defer m.progress.Store(nil)

	start := time.Now()
	if err := m.prober.Run(ctx, items, m.requestCount.Load(), progress); err != nil {
		return err
	}
	m.opts.Metrics.ObserveSweep(time.Since(start))
	m.syncNodeMetrics(items)
	return nil
}

// Progress returns the running sweep's progress, or nil when no sweep runs.
func (m *Manager) Progress() *model.ProgressSnapshot {
	p := m.progress.Load()
	if p == nil {
		return nil
	}
	s := p.Snapshot()
	return &s
}

// Status returns a deep copy of the pool state.
func (m *Manager) Status() Status {
	items := m.snapshot()
	st := Status{
		Nodes:     make([]model.NodeStatus, 0, len(items)),
		IsEnabled: len(items) > 0,
		Progress:  m.Progress(),
	}
	for _, it := range items {
		st.Nodes = append(st.Nodes, model.NodeStatus{Record: it.Record(), Health: it.Health()})
	}
	switch m.lastConn.Load() {
	case connSucceeded:
		v := true
		st.LastConnectionSucceeded = &v
	case connFailed:
		v := false
		st.LastConnectionSucceeded = &v
	}
	return st
}

// Redacted returns a copy of st without node credentials, for surfaces
// that are readable without authentication.
func (st Status) Redacted() Status {
	nodes := make([]model.NodeStatus, len(st.Nodes))
	for i, n := range st.Nodes {
		n.Record.Username = ""
		n.Record.Password = ""
		nodes[i] = n
	}
	st.Nodes = nodes
	return st
}

// ResetStates 将所有节点恢复为默认健康状态。
func (m *Manager) ResetStates() {
	items := m.snapshot()
	for _, it := range items {
		it.ResetHealth()
	}
	m.fastest.Store(nil)
	m.lastConn.Store(connUnknown)
	m.syncNodeMetrics(items)
	l := logger.WithComponent("ProxyNode/Manager")
	l.Info().Int("nodes", len(items)).Msg("All node states reset.")
}

// SaveState writes the health of every node to storage.
func (m *Manager) SaveState() error {
	if m.opts.Storage == nil {
		return nil
	}
	items := m.snapshot()
	entries := make([]storage.Entry, 0, len(items))
	for _, it := range items {
		entries = append(entries, storage.Entry{NodeID: it.ID(), HealthState: it.Health()})
	}
	return m.opts.Storage.Save(entries)
}

// Close persists the node states. Errors are logged, never returned; calling it
// more than once has no further effect.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		l := logger.WithComponent("ProxyNode/Manager")
		if err := m.SaveState(); err != nil {
			l.Error().Err(err).Msg("Failed to save node states on shutdown.")
			return
		}
		l.Info().Msg("Node pool manager closed.")
	})
}

func (m *Manager) syncNodeMetrics(items []*model.NodeItem) {
	if m.opts.Metrics == nil {
		return
	}
	for _, it := range items {
		m.opts.Metrics.SetNodeHealth(it.ID(), it.Health())
	}
}
