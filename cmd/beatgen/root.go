package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/beatgen/api/internal/config"
	"github.com/beatgen/api/internal/logging"
)

type commandContext struct {
	configFlag *string
	apiFlag    *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{Level: cfg.Server.LogLevel, Format: cfg.Server.LogFormat})
}

// apiBaseURL picks the API to talk to: the flag, then the configured public
// URL, then the local server.
func (c *commandContext) apiBaseURL() string {
	if c.apiFlag != nil && strings.TrimSpace(*c.apiFlag) != "" {
		return strings.TrimSpace(*c.apiFlag)
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "http://localhost:3001"
	}
	if cfg.Server.PublicBaseURL != "" {
		return cfg.Server.PublicBaseURL
	}
	return "http://localhost:" + cfg.Server.Port
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var apiFlag string

	ctx := &commandContext{configFlag: &configFlag, apiFlag: &apiFlag}

	rootCmd := &cobra.Command{
		Use:           "beatgen",
		Short:         "BeatGen export service and client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&apiFlag, "api", "", "Base URL of the export API (client commands)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newInspectCommand())

	return rootCmd
}
