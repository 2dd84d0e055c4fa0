package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"proxynode/internal/core/gateway"
	"proxynode/internal/service/web"
	"proxynode/internal/shared/logger"
	"proxynode/internal/shared/settings"
	"proxynode/internal/shared/types"
	"proxynode/internal/transport"
	"proxynode/internal/tunnel"
	manager "proxynode/nodepool"
	"proxynode/nodepool/metrics"
	"proxynode/nodepool/model"
	"proxynode/nodepool/storage"
)

// AppServer is the application's main struct.
type AppServer struct {
	cfg *types.Config

	settings *settings.NodeSettings
	pool     *manager.Manager
	metrics  *metrics.Recorder
	hub      *web.Hub
	gateway  *gateway.Gateway
	web      *web.Server

	isMobileMode bool

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// AppServer must implement the web Controller 接口
var _ web.Controller = (*AppServer)(nil)

// NewForPC creates a new AppServer instance for PC/file-based mode.
// Relative nodes_file and state_file paths are resolved against the ini file's directory.
func NewForPC(cfg *types.Config, iniPath string) (*AppServer, error) {
	configDir := filepath.Dir(iniPath)

	ns, err := settings.NewNodeSettings(resolvePath(configDir, cfg.NodePoolConf.NodesFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize node settings: %w", err)
	}

	var store storage.Storage
	if cfg.NodePoolConf.StateFile != "" {
		store = storage.NewFileStorage(resolvePath(configDir, cfg.NodePoolConf.StateFile))
	}
	return newServer(cfg, ns, store, nil, false)
}

// NewForMobile creates a new AppServer instance for mobile/in-memory mode.
// Node states are only persisted when state_file is an absolute path.
func NewForMobile(cfg *types.Config, records []model.NodeRecord, protector transport.Protector) (*AppServer, error) {
	// For mobile, settings manager runs in-memory without a file path.
	ns, err := settings.NewNodeSettings("")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory node settings: %w", err)
	}
	if err := ns.Update(records); err != nil {
		return nil, fmt.Errorf("invalid nodes from mobile client: %w", err)
	}

	var store storage.Storage
	if p := cfg.NodePoolConf.StateFile; p != "" && filepath.IsAbs(p) {
		store = storage.NewFileStorage(p)
	}
	return newServer(cfg, ns, store, protector, true)
}

func newServer(cfg *types.Config, ns *settings.NodeSettings, store storage.Storage, protector transport.Protector, mobile bool) (*AppServer, error) {
	poolCfg := cfg.NodePoolConf
	s := &AppServer{
		cfg:          cfg,
		settings:     ns,
		metrics:      metrics.NewRecorder(),
		hub:          web.NewHub(),
		isMobileMode: mobile,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.pool = manager.New(manager.Options{
		Records:          ns.Get(),
		ResetStates:      poolCfg.ResetStates,
		Storage:          store,
		Factory:          tunnel.NewFactory(poolCfg.CheckTarget),
		Dialer:           transport.NewDialer(poolCfg.ConnectTimeoutDuration(), poolCfg.SocketMark, protector),
		ProbeTimeout:     poolCfg.ProbeTimeoutDuration(),
		ConnectTimeout:   poolCfg.ConnectTimeoutDuration(),
		ProbeParallelism: poolCfg.ProbeParallelism,
		Metrics:          s.metrics,
		OnProgress:       s.hub.BroadcastProgress,
	})

	if cfg.LocalConf.SocksPort >= 0 { // Allow port 0 for dynamic allocation
		gw, err := gateway.New(cfg.LocalConf.SocksPort, s.pool, s.metrics)
		if err != nil {
			s.cancel()
			s.pool.Close()
			return nil, err
		}
		s.gateway = gw
	}

	// 节点配置变更时，节点池按 ID 对齐并保留已有的健康状态
	ns.Register(s.pool)
	return s, nil
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Start 启动网关、Hub、周期性健康检查，以及 (PC 模式下的) Web API 与节点文件监听。
// 它返回网关实际监听的端口，网关被禁用时返回 0。
func (s *AppServer) Start() (int, error) {
	mode := "local"
	if s.isMobileMode {
		mode = "mobile"
	}
	logger.Info().Str("mode", mode).Int("nodes", len(s.settings.Get())).Msg("Starting proxy node server...")

	var socksPort int
	if s.gateway != nil {
		port, err := s.gateway.InitializeListener()
		if err != nil {
			s.Stop()
			return 0, err
		}
		socksPort = port

		s.waitGroup.Add(1)
		go func() {
			defer s.waitGroup.Done()
			s.gateway.Serve()
		}()
	} else {
		logger.Warn().Msg("Gateway is disabled.")
	}

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(s.ctx)
	}()

	s.waitGroup.Add(1)
	go s.sweepLoop()

	// Do NOT start the web API or the file watcher in mobile mode
	if !s.isMobileMode {
		if s.cfg.NodePoolConf.WatchNodes {
			if err := s.settings.Watch(s.ctx); err != nil {
				logger.Warn().Err(err).Msg("Nodes file watcher could not be started.")
			}
		}
		srv, err := web.StartServer(s.cfg.LocalConf, s, s.hub, s.metrics.Registry)
		if err != nil {
			s.Stop()
			return 0, err
		}
		s.web = srv
	}
	return socksPort, nil
}

// Context is cancelled when the server stops.
func (s *AppServer) Context() context.Context {
	return s.ctx
}

// Wait blocks until every background goroutine has exited after Stop.
func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}

// Stop gracefully shuts down the server and persists the node states.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		logger.Info().Msg("Stopping server...")
		s.cancel()
		if s.web != nil {
			if err := s.web.Close(); err != nil {
				logger.Warn().Err(err).Msg("Web server shutdown error")
			}
		}
		if s.gateway != nil {
			s.gateway.Close()
		}
		s.waitGroup.Wait()
		s.pool.Close()
	})
}

// sweepLoop runs one sweep at start and then one per sweep_interval.
func (s *AppServer) sweepLoop() {
	defer s.waitGroup.Done()

	ticker := time.NewTicker(s.cfg.NodePoolConf.SweepIntervalDuration())
	defer ticker.Stop()

	s.runScheduledSweep()
	for {
		select {
		case <-ticker.C:
			s.runScheduledSweep()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *AppServer) runScheduledSweep() {
	l := logger.WithComponent("HealthSweep")
	if !s.pool.IsEnabled() {
		l.Debug().Msg("No nodes configured, skipping sweep.")
		return
	}
	err := s.RunSweep(s.ctx)
	switch {
	case errors.Is(err, manager.ErrSweepInProgress):
		l.Debug().Msg("Previous sweep still running, skipping this tick.")
	case errors.Is(err, context.Canceled):
	case err != nil:
		l.Warn().Err(err).Msg("Scheduled health sweep failed.")
	}
}
