package frontdoor

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"frontdoor/internal/redirect"
)

type Config struct {
	Server struct {
		Port           int    `yaml:"port"`
		Origin         string `yaml:"origin"`
		MaxHeaderBytes string `yaml:"maxHeaderBytes"`

		maxHeaderBytes int64
	} `yaml:"server"`

	// Theme is the site variant: cpr or cclw.
	Theme string `yaml:"theme"`

	Redirects struct {
		Dir         string `yaml:"dir"`
		File        string `yaml:"file"`
		LoadTimeout string `yaml:"loadTimeout"`
		Watch       bool   `yaml:"watch"`

		loadTimeoutDur time.Duration
	} `yaml:"redirects"`

	Stats struct {
		// Path of the leveldb directory holding redirect hit counts.
		// Empty keeps counts in memory only.
		Path     string `yaml:"path"`
		LogEvery string `yaml:"logEvery"`

		logEveryDur time.Duration
	} `yaml:"stats"`

	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
}

// LoadConfig reads the YAML file at path and applies environment overrides.
// A missing file is only tolerated when the path was not asked for
// explicitly; the environment may carry everything.
func LoadConfig(path string, explicit bool) (Config, error) {
	return loadConfig(path, explicit, os.Getenv)
}

func loadConfig(path string, explicit bool, getenv func(string) string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		case err != nil:
			return Config{}, err
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("%s: %w", path, err)
			}
		}
	}

	if v := getenv("THEME"); v != "" {
		cfg.Theme = v
	}
	if v := getenv("NEXT_REDIRECT_FILE"); v != "" {
		cfg.Redirects.File = v
	}
	if v := getenv("FRONTDOOR_ORIGIN"); v != "" {
		cfg.Server.Origin = v
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) finish() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port: out of range: %d", cfg.Server.Port)
	}

	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.origin: want an absolute http(s) url, got %q", cfg.Server.Origin)
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Server.MaxHeaderBytes == "" {
		cfg.Server.MaxHeaderBytes = "1mb"
	}
	n, err := parseBytes(cfg.Server.MaxHeaderBytes)
	if err != nil {
		return fmt.Errorf("server.maxHeaderBytes: %w", err)
	}
	cfg.Server.maxHeaderBytes = n

	if cfg.Redirects.Dir == "" {
		cfg.Redirects.Dir = redirect.DefaultDir
	}
	if cfg.Redirects.File == "" {
		cfg.Redirects.File = redirect.DefaultFile
	}
	if cfg.Redirects.LoadTimeout != "" {
		d, err := time.ParseDuration(cfg.Redirects.LoadTimeout)
		if err != nil {
			return fmt.Errorf("redirects.loadTimeout: %w", err)
		}
		cfg.Redirects.loadTimeoutDur = d
	}

	if cfg.Stats.LogEvery != "" {
		d, err := time.ParseDuration(cfg.Stats.LogEvery)
		if err != nil {
			return fmt.Errorf("stats.logEvery: %w", err)
		}
		cfg.Stats.logEveryDur = d
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	return nil
}

// MaxHeaderBytes is the parsed server.maxHeaderBytes.
func (cfg Config) MaxHeaderBytes() int {
	return int(cfg.Server.maxHeaderBytes)
}

// Addr is the listen address.
func (cfg Config) Addr() string {
	return fmt.Sprintf(":%d", cfg.Server.Port)
}
