package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"proxynode/internal/shared/config"
	"proxynode/internal/shared/logger"
	"proxynode/internal/shared/types"
	"proxynode/nodepool/model"
)

var (
	configDir string
	logLevel  string

	// 由 PersistentPreRunE 填充
	cfg     *types.Config
	iniPath string
)

var rootCmd = &cobra.Command{
	Use:           "proxynode",
	Short:         "Upstream proxy node pool with health probes, scoring and failover",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		iniPath = filepath.Join(configDir, "proxynode.ini")
		loaded, err := loadConfig(iniPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.LogConf.Level = logLevel
		}
		if err := logger.Init(loaded.LogConf); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		return nil
	},
}

// loadConfig 加载 ini 配置；文件不存在时使用默认值。
func loadConfig(path string) (*types.Config, error) {
	c := types.NewDefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return c, nil
	}
	if err := config.LoadIni(c, path); err != nil {
		return nil, fmt.Errorf("failed to load config file '%s': %w", path, err)
	}
	return c, nil
}

// resolve returns p relative to the config directory unless it is absolute.
func resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(configDir, p)
}

// loadNodes 读取 nodes.json；新分配的 ID 会被回写，
// 使已保存的健康状态在下次运行时仍能按 ID 对齐。
func loadNodes(path string) ([]model.NodeRecord, error) {
	records, assigned, err := config.LoadNodes(path)
	if err != nil {
		return nil, err
	}
	if assigned {
		if err := config.SaveNodes(path, records); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to write assigned node IDs back.")
		} else {
			logger.Info().Str("path", path).Msg("Assigned IDs to new nodes.")
		}
	}
	return records, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "configdir", "configs", "Path to config directory (proxynode.ini, nodes.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the [log] level from proxynode.ini")
}
