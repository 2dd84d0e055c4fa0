package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"gopkg.in/ini.v1"

	"proxynode/internal/shared/types"
	"proxynode/nodepool/model"
)

// LoadIni 加载 proxynode.ini 行为配置文件，未出现的键保持 cfg 中原有的默认值。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	return mapIni(cfg, iniFile)
}

// LoadIniBytes 从内存中的 ini 内容加载配置 (移动端直接传入文件内容)。
func LoadIniBytes(cfg *types.Config, content []byte) error {
	iniFile, err := ini.Load(content)
	if err != nil {
		return err
	}
	return mapIni(cfg, iniFile)
}

func mapIni(cfg *types.Config, iniFile *ini.File) error {
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvInt(&cfg.NodePoolConf.SocketMark, "PROXYNODE_SOCKET_MARK")
	return nil
}

// LoadNodes 加载 nodes.json 数据文件。缺少 ID 的节点会被分配新的 UUID，
// 此时 assigned 为 true，调用方应当回写文件以固定这些 ID。
func LoadNodes(fileName string) (records []model.NodeRecord, assigned bool, err error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		// 如果文件不存在，返回一个空列表而不是错误
		if errors.Is(err, os.ErrNotExist) {
			return []model.NodeRecord{}, false, nil
		}
		return nil, false, fmt.Errorf("failed to read nodes file: %w", err)
	}
	records, assigned, err = ParseNodes(data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal %s: %w", fileName, err)
	}
	return records, assigned, nil
}

// ParseNodes decodes a nodes.json document and assigns IDs to nodes without one.
func ParseNodes(data []byte) ([]model.NodeRecord, bool, error) {
	var records []model.NodeRecord
	if len(data) == 0 {
		return []model.NodeRecord{}, false, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false, err
	}
	assigned := AssignIDs(records)
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return nil, false, err
		}
	}
	return records, assigned, nil
}

// AssignIDs gives every record without an ID a fresh UUID. It reports whether
// any record was changed.
func AssignIDs(records []model.NodeRecord) bool {
	assigned := false
	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.NewString()
			assigned = true
		}
	}
	return assigned
}

// SaveNodes 将节点列表保存到 nodes.json。
func SaveNodes(fileName string, records []model.NodeRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}
	return os.WriteFile(fileName, data, 0644)
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
