package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/openmined/filemirrorsync/internal/logging"
	"github.com/openmined/filemirrorsync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	defaultInboundRoot        = "./.data/inbound"
	defaultTempRoot           = "./.data/temp"
	defaultDeleteStrategy     = "Disabled"
	defaultMaxParallelUploads = 4
	defaultSessionGCHorizon   = 24 * time.Hour
)

var dotenvLoaded bool

var rootCmd = &cobra.Command{
	Use:     "fmsync-server",
	Short:   "FileMirrorSync server",
	Version: "dev",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig(cmd)
		if err != nil {
			cmd.SilenceUsage = false
			return err
		}

		slog.Info("server config", "dotenvLoaded", dotenvLoaded, "config", cfg.LogValue())

		srv, err := server.New(cfg)
		if err != nil {
			slog.Error("server", "error", err)
			return err
		}

		defer slog.Info("Bye!")
		return srv.Start(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("config", "f", "", "Path to config file (yaml/json)")
	rootCmd.Flags().StringP("bind", "b", server.DefaultBindAddr, "Address to bind the server")
	rootCmd.Flags().String("inbound-root", defaultInboundRoot, "Root directory the published dataset tree lives under")
	rootCmd.Flags().String("temp-root", defaultTempRoot, "Root directory upload sessions and assembly temp files live under")

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

func loadConfig(cmd *cobra.Command) (*server.Config, error) {
	v := viper.New()

	if cmd.Flag("config").Changed {
		v.SetConfigFile(cmd.Flag("config").Value.String())
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/filemirrorsync/")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("FMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindWithDefaults(v, cmd)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cmd.Flag("config").Changed && !errors.As(err, &notFound) {
			return nil, err
		}
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read %q: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg *server.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func bindWithDefaults(v *viper.Viper, cmd *cobra.Command) {
	v.BindPFlag("bind_addr", cmd.Flags().Lookup("bind"))
	v.BindPFlag("inbound_root", cmd.Flags().Lookup("inbound-root"))
	v.BindPFlag("temp_root", cmd.Flags().Lookup("temp-root"))

	v.SetDefault("bind_addr", server.DefaultBindAddr)
	v.SetDefault("inbound_root", defaultInboundRoot)
	v.SetDefault("temp_root", defaultTempRoot)
	v.SetDefault("delete_strategy", defaultDeleteStrategy)
	v.SetDefault("max_parallel_uploads", defaultMaxParallelUploads)
	v.SetDefault("session_gc_horizon", defaultSessionGCHorizon)
	v.SetDefault("api_keys.dataset_keys", map[string]string{})
	v.SetDefault("api_keys.client_keys", map[string]string{})
}
