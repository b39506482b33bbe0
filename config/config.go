// Package config loads and validates the metaserver's process
// configuration: viper for layered loading (env > file > defaults),
// go-playground/validator/v10 struct tags for validation, mapstructure
// field tags for decoding.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the complete metaserver configuration.
type Config struct {
	Listen     ListenConfig     `mapstructure:"listen"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Chunk      ChunkConfig      `mapstructure:"chunk"`
	Lease      LeaseConfig      `mapstructure:"lease"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Oplog      OplogConfig      `mapstructure:"oplog"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ListenConfig is where the metaserver accepts client and chunk-server
// connections; both speak the text protocol over this one listener.
type ListenConfig struct {
	Address string `mapstructure:"address" validate:"required"`
}

// StorageConfig points at the checkpoint, log and tree directories.
type StorageConfig struct {
	CheckpointDir string `mapstructure:"checkpoint_dir" validate:"required"`
	LogDir        string `mapstructure:"log_dir" validate:"required"`
	TreeDir       string `mapstructure:"tree_dir" validate:"required"`
}

// ChunkConfig governs chunk sizing and replication.
type ChunkConfig struct {
	SizeBytes          int64   `mapstructure:"size_bytes" validate:"required,gt=0"`
	DefaultReplicas    int     `mapstructure:"default_replicas" validate:"required,gt=0"`
	MaxReplicas        int     `mapstructure:"max_replicas" validate:"required,gtefield=DefaultReplicas"`
	MinReplicas        int     `mapstructure:"min_replicas" validate:"required,gt=0,ltefield=DefaultReplicas"`
	FreeSpaceThreshold float64 `mapstructure:"free_space_threshold" validate:"gte=0,lt=1"`
}

// LeaseConfig covers lease durations.
type LeaseConfig struct {
	WriteDuration   time.Duration `mapstructure:"write_duration" validate:"required,gt=0"`
	ReadDuration    time.Duration `mapstructure:"read_duration" validate:"required,gt=0"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"required,gt=0"`
}

// HeartbeatConfig governs the chunk-server session machine.
type HeartbeatConfig struct {
	Interval            time.Duration `mapstructure:"interval" validate:"required,gt=0"`
	MissedBeatThreshold int           `mapstructure:"missed_beat_threshold" validate:"required,gt=0"`
	RPCTimeout          time.Duration `mapstructure:"rpc_timeout" validate:"required,gt=0"`
}

// CheckpointConfig governs the checkpointer's timer.
type CheckpointConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"required,gt=0"`
}

// OplogConfig governs write-ahead log flush behavior.
type OplogConfig struct {
	FlushCoalesceWindow time.Duration `mapstructure:"flush_coalesce_window" validate:"gte=0"`
}

// LoggingConfig controls the common.LTrace/LInfo/LWarn/LFail level gate.
type LoggingConfig struct {
	Level       string `mapstructure:"level" validate:"required,oneof=trace info warn fail"`
	CallerNames bool   `mapstructure:"caller_names"`
}

var validate = validator.New()

// Load reads configuration from file, environment (METASERVER_* prefix) and
// defaults, then validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	applyDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("METASERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("metaserver")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if configPath == "" {
			if _, statErr := os.Stat(filepath.Join(".", "metaserver.yaml")); os.IsNotExist(statErr) {
				return nil
			}
		}
		return fmt.Errorf("config: read file: %w", err)
	}
	return nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("listen.address", "0.0.0.0:17700")
	v.SetDefault("storage.checkpoint_dir", "./metacp")
	v.SetDefault("storage.log_dir", "./metalog")
	v.SetDefault("storage.tree_dir", "./metatree")
	v.SetDefault("chunk.size_bytes", int64(1)<<26)
	v.SetDefault("chunk.default_replicas", 3)
	v.SetDefault("chunk.max_replicas", 3)
	v.SetDefault("chunk.min_replicas", 1)
	v.SetDefault("chunk.free_space_threshold", 0.05)
	v.SetDefault("lease.write_duration", 60*time.Second)
	v.SetDefault("lease.read_duration", 60*time.Second)
	v.SetDefault("lease.cleanup_interval", 5*time.Second)
	v.SetDefault("heartbeat.interval", 60*time.Second)
	v.SetDefault("heartbeat.missed_beat_threshold", 3)
	v.SetDefault("heartbeat.rpc_timeout", 5*time.Second)
	v.SetDefault("checkpoint.interval", 10*time.Minute)
	v.SetDefault("oplog.flush_coalesce_window", 10*time.Millisecond)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.caller_names", false)
}
