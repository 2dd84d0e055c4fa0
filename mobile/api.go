package mobile

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"proxynode/internal/app"
	"proxynode/internal/shared/config"
	"proxynode/internal/shared/logger"
	"proxynode/internal/shared/types"
	manager "proxynode/nodepool"
)

var (
	// 全局变量，用于持有当前为移动端运行的唯一 AppServer 实例
	activeAppServer *app.AppServer
	activeProtector SocketProtector
	instanceMutex   sync.Mutex
)

// SocketProtector is implemented by the host app (Android VpnService.protect)
// so that connections to proxy nodes bypass the VPN itself.
type SocketProtector interface {
	Protect(fd int) bool
}

// StatusData 定义了从 Go 返回给移动端的数据结构
type StatusData struct {
	manager.Status
	Traffic types.TrafficStats `json:"traffic"`
}

// SetSocketProtector registers the protector used for every socket opened
// after the next StartNodePool. Pass nil to clear it.
func SetSocketProtector(p SocketProtector) {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()
	activeProtector = p
}

// StartNodePool is the main entry point for mobile clients.
// It starts the Go core in-memory, without any file I/O for configuration.
// iniContent: A string containing the content of a proxynode.ini file.
// nodesJson: A JSON string representing an array of node records.
// It returns the port of the local SOCKS5 gateway.
func StartNodePool(iniContent, nodesJson string) (port int, err error) {
	// Defer a panic handler to convert panics into errors, which is safer for CGo boundaries.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic: %v\n\n%s", r, debug.Stack())
			port = 0
		}
	}()

	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer != nil {
		return 0, fmt.Errorf("service is already running")
	}

	// 1. Parse iniContent string to get the configuration struct.
	cfg := types.NewDefaultConfig()
	cfg.LocalConf.SocksPort = 0 // 默认动态端口
	if err := config.LoadIniBytes(cfg, []byte(iniContent)); err != nil {
		return 0, fmt.Errorf("failed to parse ini content: %w", err)
	}

	// 2. 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		return 0, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Debug().Msg("Configuring and starting Go core for mobile (in-memory)...")

	// 3. Unmarshal the node records from the JSON string.
	records, _, err := config.ParseNodes([]byte(nodesJson))
	if err != nil {
		return 0, fmt.Errorf("failed to parse nodes JSON: %w", err)
	}
	logger.Debug().Int("count", len(records)).Msg("Successfully parsed nodes for mobile.")

	// 4. Create a new AppServer instance. File paths are empty as we are in memory mode.
	appServer, err := app.NewForMobile(cfg, records, activeProtector)
	if err != nil {
		return 0, err
	}

	port, err = appServer.Start()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start app server in mobile mode")
		appServer.Stop()
		return 0, err
	}

	// 5. Store the active instance and return the listening port.
	activeAppServer = appServer
	logger.Debug().Int("port", port).Msgf("Go core started successfully, listening on port %d", port)
	return port, nil
}

// StopNodePool stops the Go core and persists the node states when configured.
func StopNodePool() {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer != nil {
		logger.Debug().Msg("Stopping Go core for mobile...")
		activeAppServer.Stop()
		activeAppServer = nil
	}
}

// GetStatusJSON 返回节点池状态的 JSON 字符串。服务未运行时返回 "{}"。
func GetStatusJSON() (statusJson string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic in GetStatusJSON: %v\n\n%s", r, debug.Stack())
			statusJson = "{}" // 在 panic 时返回一个空对象，避免 Kotlin 端崩溃
		}
	}()

	instanceMutex.Lock()
	srv := activeAppServer
	instanceMutex.Unlock()

	if srv == nil {
		return "{}", nil
	}

	data, err := json.Marshal(StatusData{Status: srv.Status(), Traffic: srv.TrafficStats()})
	if err != nil {
		return "{}", fmt.Errorf("failed to marshal status: %w", err)
	}
	return string(data), nil
}

// RunSweep probes every node once and blocks until the sweep finishes.
// A sweep already running is reported as an error.
func RunSweep() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic in RunSweep: %v", r)
		}
	}()

	// 不持有锁执行检查，StopNodePool 可随时取消
	instanceMutex.Lock()
	srv := activeAppServer
	instanceMutex.Unlock()

	if srv == nil {
		return fmt.Errorf("service is not running")
	}
	return srv.RunSweep(srv.Context())
}
