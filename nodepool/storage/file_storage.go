package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"proxynode/internal/shared/logger"
	"proxynode/nodepool/model"
)

// Entry 是持久化文件中的一条记录：节点ID + 该节点的健康状态。
type Entry struct {
	NodeID string `json:"node_id"`
	model.HealthState
}

// Storage 接口定义了节点健康状态持久化的行为。
type Storage interface {
	Load() ([]Entry, error)
	Save(entries []Entry) error
}

// FileStorage 实现了 Storage 接口，整个快照作为一个 JSON 数组写入单个文件。
type FileStorage struct {
	filePath string
	mu       sync.Mutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

func (fs *FileStorage) Path() string {
	return fs.filePath
}

// Load 读取快照。文件不存在时返回空列表；内容损坏时返回错误，由调用方决定是否忽略。
func (fs *FileStorage) Load() ([]Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyNode/Storage")

	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.Info().Str("path", fs.filePath).Msg("State file not found, starting with default health.")
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read state file '%s': %w", fs.filePath, err)
	}
	if len(data) == 0 {
		return []Entry{}, nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse state file '%s': %w", fs.filePath, err)
	}

	l.Debug().Int("count", len(entries)).Msg("Loaded node states from file.")
	return entries, nil
}

// Save 将快照整体写入临时文件后再 rename，避免写到一半的文件覆盖旧状态。
func (fs *FileStorage) Save(entries []Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyNode/Storage")

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].NodeID < sorted[j].NodeID
	})

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal node states: %w", err)
	}

	dir := filepath.Dir(fs.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(fs.filePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmpName, fs.filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	l.Debug().Int("count", len(sorted)).Str("path", fs.filePath).Msg("Saved node states to file.")
	return nil
}
