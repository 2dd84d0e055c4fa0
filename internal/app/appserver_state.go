package app

import (
	"context"

	"proxynode/internal/shared/logger"
	"proxynode/internal/shared/types"
	manager "proxynode/nodepool"
	"proxynode/nodepool/model"
)

func (s *AppServer) Status() manager.Status {
	return s.pool.Status()
}

func (s *AppServer) Progress() *model.ProgressSnapshot {
	return s.pool.Progress()
}

// RunSweep probes every node, persists the result and publishes the new status.
func (s *AppServer) RunSweep(ctx context.Context) error {
	if err := s.pool.RunHealthSweep(ctx); err != nil {
		return err
	}
	s.publish()
	return nil
}

// ResetStates 将所有节点恢复为默认健康状态并立即持久化。
func (s *AppServer) ResetStates() error {
	s.pool.ResetStates()
	if err := s.pool.SaveState(); err != nil {
		return err
	}
	s.hub.BroadcastStatusUpdate(s.pool.Status())
	return nil
}

func (s *AppServer) Nodes() []model.NodeRecord {
	return s.settings.Get()
}

// UpdateNodes replaces the node list. The pool is updated through its
// subscription to the node settings.
func (s *AppServer) UpdateNodes(records []model.NodeRecord) error {
	if err := s.settings.Update(records); err != nil {
		return err
	}
	s.publish()
	return nil
}

// TrafficStats returns the traffic relayed by the local gateway.
func (s *AppServer) TrafficStats() types.TrafficStats {
	if s.gateway == nil {
		return types.TrafficStats{}
	}
	return s.gateway.TrafficStats()
}

// Pool exposes the node pool manager, used by the CLI and the mobile bindings.
func (s *AppServer) Pool() *manager.Manager {
	return s.pool
}

func (s *AppServer) publish() {
	if err := s.pool.SaveState(); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist node states.")
	}
	s.hub.BroadcastStatusUpdate(s.pool.Status())
}
