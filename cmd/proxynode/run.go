package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"proxynode/internal/app"
	"proxynode/internal/shared/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the local SOCKS5 gateway, periodic health sweeps and the web API",
	RunE: func(cmd *cobra.Command, args []string) error {
		appServer, err := app.NewForPC(cfg, iniPath)
		if err != nil {
			return err
		}
		port, err := appServer.Start()
		if err != nil {
			return err
		}
		logger.Info().Int("socks_port", port).Msg("Proxy node server is running. Press Ctrl+C to stop.")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		appServer.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
