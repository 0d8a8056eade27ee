package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/victornm/prepquiz/internal/config"
	"github.com/victornm/prepquiz/internal/server"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "prepquiz",
		Short:        "Timed multiple-choice practice quiz with scores and a leaderboard",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to the config file (defaults to $CONFIG_PATH)")
	cmd.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newLeaderboardCmd(&configPath),
	)

	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, gRPC health and Telegram servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

			s, err := server.Init(c)
			if err != nil {
				slog.Error("Init server failed", "error", err)
				return err
			}

			go s.Start()

			<-shutdown
			s.Shutdown()
			return nil
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the user store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			return server.Migrate(cmd.Context(), c)
		},
	}
}

func newLeaderboardCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Manage the leaderboard index",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the leaderboard from the user store",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			n, err := server.RebuildLeaderboard(cmd.Context(), c)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "leaderboard rebuilt with %d users\n", n)
			return nil
		},
	})

	return cmd
}

func loadConfig(path string) (server.Config, error) {
	c := server.DefaultConfig()

	if err := config.Load(path, &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	slog.SetDefault(slog.New(newLogHandler(c)))
	return c, nil
}

func newLogHandler(c server.Config) slog.Handler {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "text") {
		return slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.NewJSONHandler(os.Stderr, opts)
}
