package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tilize/internal/config"
	"github.com/23skdu/longbow-tilize/internal/logger"
)

var (
	cfgFile   string
	activeCfg *config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:           "tilize",
		Short:         "Tilize host tensors and push them into device queues",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Flags:      cmd.Flags(),
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			activeCfg = &loaded
			logger.Setup(loaded.Log.Level, loaded.Log.Format)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newPushCmd())
	cmd.AddCommand(newCompileCmd())
	cmd.AddCommand(newGeometryCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSendCmd())

	return cmd
}

func requireConfig() (config.Config, error) {
	if activeCfg == nil {
		return config.Config{}, fmt.Errorf("configuration not loaded")
	}
	return *activeCfg, nil
}
