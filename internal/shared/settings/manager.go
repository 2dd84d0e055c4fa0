package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"proxynode/internal/shared/config"
	"proxynode/internal/shared/logger"
	"proxynode/internal/shared/types"
	"proxynode/nodepool/model"
)

const reloadDelay = 100 * time.Millisecond

// NodeSettings 是节点配置 (nodes.json) 的运行时管理器。
// 读取通过 atomic.Value 无锁完成；更新会持久化到磁盘并按顺序通知所有订阅者。
type NodeSettings struct {
	filePath    string
	records     atomic.Value // 存储 []model.NodeRecord，视为只读快照
	subscribers []types.NodesSubscriber
	mu          sync.Mutex // 保护 subscribers、文件写入与通知顺序
}

// NewNodeSettings 从指定路径加载节点配置。filePath 为空时仅在内存中工作 (移动端模式)。
// 加载时被分配了新 ID 的节点会立即回写到文件。
func NewNodeSettings(filePath string) (*NodeSettings, error) {
	ns := &NodeSettings{filePath: filePath}
	ns.records.Store([]model.NodeRecord{})

	if filePath == "" {
		return ns, nil
	}

	records, assigned, err := config.LoadNodes(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial nodes: %w", err)
	}
	if assigned {
		logger.Info().Str("path", filePath).Msg("Assigned ids to nodes without one, writing them back.")
		if err := config.SaveNodes(filePath, records); err != nil {
			return nil, fmt.Errorf("failed to persist assigned node ids: %w", err)
		}
	}
	ns.records.Store(records)
	return ns, nil
}

// Register 注册一个节点配置变更的订阅者。
func (ns *NodeSettings) Register(sub types.NodesSubscriber) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.subscribers = append(ns.subscribers, sub)
}

// Get returns a copy of the current node list.
func (ns *NodeSettings) Get() []model.NodeRecord {
	cur := ns.records.Load().([]model.NodeRecord)
	out := make([]model.NodeRecord, len(cur))
	copy(out, cur)
	return out
}

// Update 校验并替换整个节点列表：分配缺失的 ID、持久化到文件、通知订阅者。
func (ns *NodeSettings) Update(records []model.NodeRecord) error {
	next := make([]model.NodeRecord, len(records))
	copy(next, records)
	config.AssignIDs(next)

	seen := make(map[string]bool, len(next))
	for _, r := range next {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate node id: %s", model.ErrInvalidRecord, r.ID)
		}
		seen[r.ID] = true
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.filePath != "" {
		if err := config.SaveNodes(ns.filePath, next); err != nil {
			return fmt.Errorf("failed to save updated nodes to disk: %w", err)
		}
	}
	ns.records.Store(next)
	ns.notifyLocked(next)
	return nil
}

// Reload 重新读取文件；内容未变化时不通知订阅者。
func (ns *NodeSettings) Reload() error {
	if ns.filePath == "" {
		return nil
	}
	records, assigned, err := config.LoadNodes(ns.filePath)
	if err != nil {
		return err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if assigned {
		if err := config.SaveNodes(ns.filePath, records); err != nil {
			return fmt.Errorf("failed to persist assigned node ids: %w", err)
		}
	}
	if reflect.DeepEqual(records, ns.records.Load().([]model.NodeRecord)) {
		return nil
	}
	ns.records.Store(records)
	logger.Info().Int("nodes", len(records)).Msg("Nodes file changed, configuration reloaded.")
	ns.notifyLocked(records)
	return nil
}

// notifyLocked must be called with ns.mu held so subscribers see updates in order.
func (ns *NodeSettings) notifyLocked(records []model.NodeRecord) {
	logger.Debug().Int("subscribers", len(ns.subscribers)).Msg("Notifying subscribers of nodes update.")
	for _, sub := range ns.subscribers {
		cp := make([]model.NodeRecord, len(records))
		copy(cp, records)
		sub.OnNodesUpdate(cp)
	}
}

// Watch reloads the nodes file whenever it changes on disk, until ctx is done.
// The parent directory is watched so editors that replace the file are seen too.
func (ns *NodeSettings) Watch(ctx context.Context) error {
	if ns.filePath == "" {
		return nil
	}
	l := logger.WithComponent("Settings/Watcher")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Ensure the nodes file exists before watching
	if _, err := os.Stat(ns.filePath); os.IsNotExist(err) {
		if err := config.SaveNodes(ns.filePath, ns.Get()); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to create nodes file: %w", err)
		}
	}

	dir := filepath.Dir(ns.filePath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch nodes directory: %w", err)
	}
	target := filepath.Clean(ns.filePath)

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&fsnotify.Write == fsnotify.Write ||
					event.Op&fsnotify.Create == fsnotify.Create {
					// Small delay to ensure file write is complete
					time.Sleep(reloadDelay)
					if err := ns.Reload(); err != nil {
						l.Warn().Err(err).Msg("Nodes file reload failed, keeping previous configuration.")
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.Warn().Err(err).Msg("Nodes file watcher error.")
			}
		}
	}()

	l.Info().Str("path", ns.filePath).Msg("Watching nodes file for changes.")
	return nil
}
