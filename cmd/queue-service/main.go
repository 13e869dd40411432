package main

import (
	"context"
	"fmt"
	"os"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/config"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/registry"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/seed"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "queue-service",
		Short: "Clinic waiting queue and dispatch service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, applied, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Printf("Applied %d migration(s) on %s store.\n", applied, cfg.StoreDriver)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create or update queues from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")

			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			file, err := seed.LoadFile(path)
			if err != nil {
				return err
			}

			ctx := context.Background()
			st, _, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			reg := registry.New(st, logger, registry.Options{DefaultRetryLimit: cfg.DefaultRetryLimit})
			result, err := seed.Apply(ctx, reg, file, logger)
			if err != nil {
				return fmt.Errorf("seed failed: %w", err)
			}
			fmt.Printf("Seeded queues: %d created, %d updated.\n", result.Created, result.Updated)
			return nil
		},
	}
	cmd.Flags().String("file", "queues.yaml", "Path to the queue seed file")
	return cmd
}

func bootstrap() (*config.Config, zerolog.Logger, error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "queue-service").Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Str("service", "queue-service").Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		return nil, logger, err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	return cfg, logger.Level(level), nil
}
