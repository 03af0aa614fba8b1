// Package client holds the FileMirrorSync client's configuration and its
// thin HTTP wrapper around the sync protocol.
package client

import (
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultChunkSize          = 8 << 20 // 8 MiB
	DefaultMaxParallelUploads = 2
)

// Config is the full client configuration, loaded by cmd/client via viper.
type Config struct {
	DatasetID          string        `mapstructure:"dataset_id"`
	ClientID           string        `mapstructure:"client_id"`
	ApiKey             string        `mapstructure:"api_key"`
	ServerBaseURL      string        `mapstructure:"server_base_url"`
	RootPath           string        `mapstructure:"root_path"`
	StateFile          string        `mapstructure:"state_file"`
	ChunkSize          int64         `mapstructure:"chunk_size"`
	MaxParallelUploads int           `mapstructure:"max_parallel_uploads"`
	EnableDelete       bool          `mapstructure:"enable_delete"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

func (c *Config) Validate() error {
	if c.DatasetID == "" {
		return errors.New("dataset_id is required")
	}
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if c.ApiKey == "" {
		return errors.New("api_key is required")
	}
	if c.ServerBaseURL == "" {
		return errors.New("server_base_url is required")
	}
	if c.RootPath == "" {
		return errors.New("root_path is required")
	}
	if c.StateFile == "" {
		return errors.New("state_file is required")
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxParallelUploads < 1 {
		c.MaxParallelUploads = DefaultMaxParallelUploads
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return nil
}

func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("dataset_id", c.DatasetID),
		slog.String("client_id", c.ClientID),
		slog.String("server_base_url", c.ServerBaseURL),
		slog.String("root_path", c.RootPath),
		slog.Int64("chunk_size", c.ChunkSize),
		slog.Int("max_parallel_uploads", c.MaxParallelUploads),
		slog.Bool("enable_delete", c.EnableDelete),
		slog.Bool("api_key", c.ApiKey != ""),
	)
}
