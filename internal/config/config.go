// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"server"`

	Tig struct {
		Enabled         bool     `json:"enabled"`           // prefer tig over git for diffs
		ControlDirNames []string `json:"control_dir_names"` // directory names marking a repository
		RecentLimit     int      `json:"recent_limit"`
	} `json:"tig"`

	Scan struct {
		Debounce Duration `json:"debounce"`
		Ignore   []string `json:"ignore"`
	} `json:"scan"`

	Storage struct {
		CacheSize        int `json:"cache_size"`
		CompressionLevel int `json:"compression_level"` // 1=fastest, 4=best
		CompressMinSize  int `json:"compress_min_size"`
	} `json:"storage"`

	Workers  int    `json:"workers"`
	LogLevel string `json:"log_level"` // debug, info, warn, error
}

// Duration decodes from a Go duration string such as "250ms".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func Default() *Config {
	var c Config
	c.Server.Host = "127.0.0.1"
	c.Server.Port = 7420
	c.Tig.Enabled = true
	c.Tig.ControlDirNames = []string{".tig"}
	c.Tig.RecentLimit = 50
	c.Scan.Debounce = Duration{200 * time.Millisecond}
	c.Scan.Ignore = []string{".git", "node_modules", "vendor", "dist", "build"}
	c.Storage.CacheSize = 1000
	c.Storage.CompressionLevel = 2
	c.Storage.CompressMinSize = 1024
	c.Workers = 4
	c.LogLevel = "info"
	return &c
}

// Load reads path over the defaults. A missing file is not an error.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	config := Default()

	file, err := os.Open(path)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(config); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TIGDIFF_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TIGDIFF_TIG_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing TIGDIFF_TIG_ENABLED: %w", err)
		}
		c.Tig.Enabled = b
	}
	if v := os.Getenv("TIGDIFF_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing TIGDIFF_WORKERS: %w", err)
		}
		c.Workers = n
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if len(c.Tig.ControlDirNames) == 0 {
		return fmt.Errorf("at least one control dir name is required")
	}
	if c.Tig.RecentLimit < 1 {
		return fmt.Errorf("recent_limit must be positive, got %d", c.Tig.RecentLimit)
	}
	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return fmt.Errorf("compression_level must be within 1..4, got %d", c.Storage.CompressionLevel)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}
