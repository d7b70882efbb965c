package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/beatgen/api/internal/server"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var workers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  "Run the HTTP API. Export workers run in the same process unless worker.embedded is false.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Worker.Embedded = workers
			}

			rt, err := server.Build(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return rt.Serve(signalCtx, cfg.Worker.Embedded)
		},
	}
	cmd.Flags().BoolVar(&workers, "workers", true, "Run export workers in this process")
	return cmd
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run export workers without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.Worker.Concurrency = concurrency
			}

			rt, err := server.Build(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return rt.RunWorkers(signalCtx)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Number of concurrent jobs (default from config)")
	return cmd
}
