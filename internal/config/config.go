// Package config loads client and key-server settings from a YAML file,
// then applies SECURECOMM_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"secure-comm/go-backend/internal/backup"
	"secure-comm/go-backend/internal/localstore"

	"gopkg.in/yaml.v3"
)

const (
	DefaultRPCAddr      = "127.0.0.1:8787"
	DefaultPairingTTL   = 5 * time.Minute
	DefaultPollInterval = 2 * time.Second
)

type Config struct {
	Username   string
	DeviceName string
	DeviceType string
	Storage    StorageConfig
	RPC        RPCConfig
	Pairing    PairingConfig
	Backup     BackupConfig
	Log        LogConfig
}

type StorageConfig struct {
	Backend string
	Path    string
	Secret  string
}

type RPCConfig struct {
	Addr         string
	URL          string
	Token        string
	RequireToken bool
	RPS          float64
	Burst        int
}

type PairingConfig struct {
	TTL          time.Duration
	PollInterval time.Duration
	InitLimit    int
	InitWindow   time.Duration
}

type BackupConfig struct {
	Iterations int
}

type LogConfig struct {
	Level  string
	Format string
}

func Default() Config {
	return Config{
		DeviceName: hostname(),
		DeviceType: "desktop",
		Storage:    StorageConfig{Backend: localstore.BackendFile},
		RPC: RPCConfig{
			Addr:  DefaultRPCAddr,
			URL:   "http://" + DefaultRPCAddr,
			RPS:   20,
			Burst: 40,
		},
		Pairing: PairingConfig{
			TTL:          DefaultPairingTTL,
			PollInterval: DefaultPollInterval,
			InitLimit:    5,
			InitWindow:   time.Hour,
		},
		Backup: BackupConfig{Iterations: backup.DefaultIterations},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// FileConfig mirrors the YAML layout. Zero values leave defaults untouched.
type FileConfig struct {
	Username   string `yaml:"username"`
	DeviceName string `yaml:"deviceName"`
	DeviceType string `yaml:"deviceType"`
	Storage    struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		Secret  string `yaml:"secret"`
	} `yaml:"storage"`
	RPC struct {
		Addr         string  `yaml:"addr"`
		URL          string  `yaml:"url"`
		Token        string  `yaml:"token"`
		RequireToken *bool   `yaml:"requireToken"`
		RPS          float64 `yaml:"rps"`
		Burst        int     `yaml:"burst"`
	} `yaml:"rpc"`
	Pairing struct {
		TTL          time.Duration `yaml:"ttl"`
		PollInterval time.Duration `yaml:"pollInterval"`
		InitLimit    int           `yaml:"initLimit"`
		InitWindow   time.Duration `yaml:"initWindow"`
	} `yaml:"pairing"`
	Backup struct {
		Iterations int `yaml:"iterations"`
	} `yaml:"backup"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// LoadFromPath reads configPath, or the first default candidate that exists
// when configPath is empty. A missing default file is not an error; an
// explicit path that cannot be read or parsed is. The result is not validated.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		parsed, err := readFile(configPath)
		if err != nil {
			return Config{}, err
		}
		Merge(&cfg, parsed)
	} else {
		for _, path := range []string{"securecomm.yaml", "configs/securecomm.yaml"} {
			parsed, err := readFile(path)
			if err != nil {
				continue
			}
			Merge(&cfg, parsed)
			break
		}
	}

	ApplyEnvOverrides(&cfg)
	cfg.fillStoragePath()
	return cfg, nil
}

func readFile(path string) (FileConfig, error) {
	var parsed FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return parsed, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return parsed, fmt.Errorf("parse config %s: %w", path, err)
	}
	return parsed, nil
}

func Merge(dst *Config, src FileConfig) {
	if src.Username != "" {
		dst.Username = src.Username
	}
	if src.DeviceName != "" {
		dst.DeviceName = src.DeviceName
	}
	if src.DeviceType != "" {
		dst.DeviceType = src.DeviceType
	}
	if src.Storage.Backend != "" {
		dst.Storage.Backend = src.Storage.Backend
	}
	if src.Storage.Path != "" {
		dst.Storage.Path = src.Storage.Path
	}
	if src.Storage.Secret != "" {
		dst.Storage.Secret = src.Storage.Secret
	}
	if src.RPC.Addr != "" {
		dst.RPC.Addr = src.RPC.Addr
	}
	if src.RPC.URL != "" {
		dst.RPC.URL = src.RPC.URL
	}
	if src.RPC.Token != "" {
		dst.RPC.Token = src.RPC.Token
	}
	if src.RPC.RequireToken != nil {
		dst.RPC.RequireToken = *src.RPC.RequireToken
	}
	if src.RPC.RPS != 0 {
		dst.RPC.RPS = src.RPC.RPS
	}
	if src.RPC.Burst != 0 {
		dst.RPC.Burst = src.RPC.Burst
	}
	if src.Pairing.TTL != 0 {
		dst.Pairing.TTL = src.Pairing.TTL
	}
	if src.Pairing.PollInterval != 0 {
		dst.Pairing.PollInterval = src.Pairing.PollInterval
	}
	if src.Pairing.InitLimit != 0 {
		dst.Pairing.InitLimit = src.Pairing.InitLimit
	}
	if src.Pairing.InitWindow != 0 {
		dst.Pairing.InitWindow = src.Pairing.InitWindow
	}
	if src.Backup.Iterations != 0 {
		dst.Backup.Iterations = src.Backup.Iterations
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
}

func (c *Config) fillStoragePath() {
	if c.Storage.Path != "" {
		return
	}
	switch strings.ToLower(c.Storage.Backend) {
	case localstore.BackendFile:
		c.Storage.Path = "securecomm.store"
	case localstore.BackendSQLite:
		c.Storage.Path = "securecomm.db"
	}
}

// Validate checks the client-side settings. The key server only needs the
// rpc and pairing sections and does not call it.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Storage.Backend)) {
	case localstore.BackendMemory:
	case localstore.BackendFile, localstore.BackendSQLite:
		if strings.TrimSpace(c.Storage.Secret) == "" {
			return errors.New("config: storage secret is required for persistent backends (SECURECOMM_STORAGE_SECRET)")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Backup.Iterations < backup.MinIterations || c.Backup.Iterations > backup.MaxIterations {
		return fmt.Errorf("config: backup iterations must be within [%d, %d]", backup.MinIterations, backup.MaxIterations)
	}
	if c.Pairing.TTL <= 0 || c.Pairing.PollInterval <= 0 {
		return errors.New("config: pairing ttl and poll interval must be positive")
	}
	if c.RPC.RequireToken && strings.TrimSpace(c.RPC.Token) == "" {
		return errors.New("config: rpc token is required when requireToken is set")
	}
	return nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		return "device"
	}
	return name
}
