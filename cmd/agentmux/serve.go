package main

import (
	"github.com/spf13/cobra"

	"github.com/agentmux/agentmux"
	"github.com/agentmux/agentmux/internal/appconfig"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the console server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			logger.Info("config loaded", "port", cfg.Port, "vite_port", cfg.VitePort, "log_enabled", cfg.LogEnabled)

			srv, err := agentmux.New(agentmux.ServerConfig{App: cfg, Logger: logger})
			if err != nil {
				return err
			}
			if err := srv.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return srv.Stop(ctx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default config.json)")
	return cmd
}
