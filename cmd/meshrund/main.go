package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"meshrund/internal/runtime"
	"meshrund/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "meshrund"}
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the mesh endpoint runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}

			log := logrus.New()
			if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
				log.SetLevel(lvl)
			}
			if cfg.Logging.File != "" {
				f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
				if err == nil {
					log.SetOutput(f)
				} else {
					log.WithError(err).Warn("falling back to stderr logging")
				}
			}

			rt, err := runtime.New(*cfg, log)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			log.WithField("store", cfg.Store.Path).Info("meshrund starting")
			return rt.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment config overlay to merge (e.g. production)")
	return cmd
}
