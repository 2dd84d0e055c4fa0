package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"proxynode/internal/shared/logger"
	"proxynode/internal/transport"
	"proxynode/internal/tunnel"
	manager "proxynode/nodepool"
	"proxynode/nodepool/model"
	"proxynode/nodepool/storage"
)

var checkReset bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every node once, save the results and print the pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := loadNodes(resolve(cfg.NodePoolConf.NodesFile))
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("no nodes configured in %s", resolve(cfg.NodePoolConf.NodesFile))
		}

		bar := progressbar.NewOptions(len(records),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowBytes(false),
			progressbar.OptionSetWidth(15),
			progressbar.OptionSetDescription("[cyan]Checking...[reset]"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[green]=[reset]",
				SaucerHead:    "[green]>[reset]",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)

		poolCfg := cfg.NodePoolConf
		m := manager.New(manager.Options{
			Records:          records,
			ResetStates:      checkReset || poolCfg.ResetStates,
			Storage:          stateStorage(),
			Factory:          tunnel.NewFactory(poolCfg.CheckTarget),
			Dialer:           transport.NewDialer(poolCfg.ConnectTimeoutDuration(), poolCfg.SocketMark, nil),
			ProbeTimeout:     poolCfg.ProbeTimeoutDuration(),
			ConnectTimeout:   poolCfg.ConnectTimeoutDuration(),
			ProbeParallelism: poolCfg.ProbeParallelism,
			OnProgress: func(p model.ProgressSnapshot) {
				bar.Set(p.Completed)
			},
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		logger.Info().Int("nodes", len(records)).Msg("Running health check...")
		if err := m.RunHealthSweep(ctx); err != nil {
			return err
		}
		bar.Finish()
		fmt.Fprintln(os.Stderr)

		if err := m.SaveState(); err != nil {
			return fmt.Errorf("failed to save node states: %w", err)
		}
		printNodeTable(os.Stdout, m.Status())
		return nil
	},
}

func stateStorage() storage.Storage {
	if cfg.NodePoolConf.StateFile == "" {
		return nil
	}
	return storage.NewFileStorage(resolve(cfg.NodePoolConf.StateFile))
}

func init() {
	checkCmd.Flags().BoolVar(&checkReset, "reset", false, "Ignore persisted node states")
	rootCmd.AddCommand(checkCmd)
}
