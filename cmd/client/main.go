package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/openmined/filemirrorsync/internal/client"
	"github.com/openmined/filemirrorsync/internal/logging"
	"github.com/openmined/filemirrorsync/internal/syncrunner"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	home, _           = os.UserHomeDir()
	defaultConfigPath = filepath.Join(home, ".filemirrorsync", "config.yaml")
	defaultStateFile  = filepath.Join(home, ".filemirrorsync", "state.json")
)

var dotenvLoaded bool

var rootCmd = &cobra.Command{
	Use:     "fmsync",
	Short:   "FileMirrorSync client",
	Version: "dev",
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync round",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runOnce(cmd)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run sync rounds on a repeating interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		interval, err := cmd.Flags().GetDuration("interval")
		if err != nil {
			return err
		}
		return runLoop(cmd, interval)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "FileMirrorSync client config file")
	rootCmd.PersistentFlags().String("dataset-id", "", "Dataset identifier")
	rootCmd.PersistentFlags().String("client-id", "", "Client identifier")
	rootCmd.PersistentFlags().String("server", "", "Server base URL")
	rootCmd.PersistentFlags().String("root", "", "Local directory to mirror")
	rootCmd.PersistentFlags().Bool("enable-delete", false, "Ask the server to apply deletes for files missing locally")

	watchCmd.Flags().Duration("interval", time.Minute, "Delay between sync rounds")

	rootCmd.AddCommand(syncCmd, watchCmd)

	if err := godotenv.Load(".env"); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Println("Error loading .env file", err)
			os.Exit(1)
		}
	} else {
		dotenvLoaded = true
	}
}

func main() {
	logging.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runOnce(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	slog.Info("sync round start", "config", cfg.LogValue())

	api := client.NewAPIClient(cfg)
	runner := syncrunner.New(cfg, api)

	if err := runner.Run(cmd.Context()); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("sync round cancelled")
			return nil
		}
		slog.Error("sync round failed", "error", err)
		return err
	}

	slog.Info("sync round complete")
	return nil
}

func runLoop(cmd *cobra.Command, interval time.Duration) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	api := client.NewAPIClient(cfg)
	runner := syncrunner.New(cfg, api)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		slog.Info("sync round start", "config", cfg.LogValue())
		if err := runner.Run(cmd.Context()); err != nil {
			if errors.Is(err, context.Canceled) {
				slog.Info("sync loop cancelled")
				return nil
			}
			slog.Error("sync round failed", "error", err)
		} else {
			slog.Info("sync round complete")
		}

		select {
		case <-cmd.Context().Done():
			slog.Info("sync loop cancelled")
			return nil
		case <-ticker.C:
		}
	}
}

func loadConfig(cmd *cobra.Command) (*client.Config, error) {
	v := viper.New()

	configPath, _ := cmd.Flags().GetString("config")
	v.SetConfigFile(configPath)

	v.SetEnvPrefix("FMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindWithDefaults(v, cmd)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config read %q: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg *client.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func bindWithDefaults(v *viper.Viper, cmd *cobra.Command) {
	v.BindPFlag("dataset_id", cmd.Flags().Lookup("dataset-id"))
	v.BindPFlag("client_id", cmd.Flags().Lookup("client-id"))
	v.BindPFlag("server_base_url", cmd.Flags().Lookup("server"))
	v.BindPFlag("root_path", cmd.Flags().Lookup("root"))
	v.BindPFlag("enable_delete", cmd.Flags().Lookup("enable-delete"))

	v.SetDefault("api_key", "")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("state_file", defaultStateFile)
	v.SetDefault("chunk_size", client.DefaultChunkSize)
	v.SetDefault("max_parallel_uploads", client.DefaultMaxParallelUploads)
	v.SetDefault("enable_delete", false)
}
