// Package config loads coredb's YAML configuration file via viper,
// exposing a typed struct instead of the raw key/value map.
package config

import (
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Config is coredb's top-level configuration.
type Config struct {
	Pool struct {
		Size     int `mapstructure:"size"`
		PageSize int `mapstructure:"page_size"`
	} `mapstructure:"pool"`
	Storage struct {
		DataDir string `mapstructure:"data_dir"`
		WALDir  string `mapstructure:"wal_dir"`
	} `mapstructure:"storage"`
	Server struct {
		Address string `mapstructure:"address"`
		Debug   bool   `mapstructure:"debug"`
	} `mapstructure:"server"`
}

// Default returns a Config populated with the values coredb falls back
// to when no file is present.
func Default() Config {
	var c Config
	c.Pool.Size = 64
	c.Pool.PageSize = 4096
	c.Storage.DataDir = "data"
	c.Storage.WALDir = "data/wal"
	c.Server.Address = ":6543"
	return c
}

// Load reads path off fs and unmarshals it into a Config, starting from
// Default()'s values as defaults for any key the file omits. fs is
// accepted as a parameter (rather than hard-coding the OS filesystem) so
// callers can load config from an in-memory afero.Fs in tests.
func Load(fs afero.Fs, path string) (Config, error) {
	v := viper.NewWithOptions(viper.WithFs(fs))
	applyDefaults(v, Default())

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}

// WatchReload reads path's current contents and then invokes onChange
// with each freshly reloaded Config whenever the file is modified on
// disk. It returns immediately; reloads happen on viper's fsnotify
// watcher goroutine.
func WatchReload(fs afero.Fs, path string, onChange func(Config)) (Config, error) {
	v := viper.NewWithOptions(viper.WithFs(fs))
	applyDefaults(v, Default())
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			slog.Error("config: reload failed", "path", e.Name, "err", err)
			return
		}
		onChange(next)
	})
	v.WatchConfig()

	return cfg, nil
}

func applyDefaults(v *viper.Viper, d Config) {
	v.SetDefault("pool.size", d.Pool.Size)
	v.SetDefault("pool.page_size", d.Pool.PageSize)
	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.wal_dir", d.Storage.WALDir)
	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.debug", d.Server.Debug)
}
