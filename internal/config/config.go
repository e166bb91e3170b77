// Package config loads the safebox daemon's YAML configuration file and
// applies environment variable overrides and defaults, the way
// cmd/judge-service/config.go loads AppConfig.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/anika-dewari/safebox/pkg/logger"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8443"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultCgroupRoot      = "/sys/fs/cgroup"
	defaultHelperPath      = "sandbox-init"
	defaultGracePeriod     = 5 * time.Second
)

// ResourceConfig declares the fixed-arity resource vector the safety
// engine is initialized with: parallel Names/Totals slices.
type ResourceConfig struct {
	Names  []string `yaml:"names"`
	Totals []int64  `yaml:"totals"`
}

// ServerConfig holds the daemon's HTTP API settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	JWTSecret       string        `yaml:"jwtSecret"`
	OperatorUser    string        `yaml:"operatorUser"`
	OperatorHash    string        `yaml:"operatorPasswordHash"`
}

// SandboxConfig holds isolation-launcher settings.
type SandboxConfig struct {
	HelperPath       string   `yaml:"helperPath"`
	SeccompLog       bool     `yaml:"seccompLog"`
	EnableSeccomp    bool     `yaml:"enableSeccomp"`
	EnableCgroup     bool     `yaml:"enableCgroup"`
	EnableNamespaces bool     `yaml:"enableNamespaces"`
	AllowNewNet      bool     `yaml:"allowNewNet"`
	BindMountDirs    []string `yaml:"bindMountDirs"`
	UnprivUID        int      `yaml:"unprivUID"`
	UnprivGID        int      `yaml:"unprivGID"`
}

// CgroupConfig holds CgroupManager settings.
type CgroupConfig struct {
	Root string `yaml:"root"`
}

// AuditConfig holds audit-log persistence settings.
type AuditConfig struct {
	Path          string   `yaml:"path"`
	RotateBytes   int64    `yaml:"rotateBytes"`
	KafkaBrokers  []string `yaml:"kafkaBrokers"`
	KafkaTopic    string   `yaml:"kafkaTopic"`
}

// LockConfig holds the distributed admission lock settings.
type LockConfig struct {
	RedisAddr string        `yaml:"redisAddr"`
	RedisDB   int           `yaml:"redisDB"`
	TTL       time.Duration `yaml:"ttl"`
}

// CoordinatorConfig holds JobCoordinator behavior settings.
type CoordinatorConfig struct {
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
	GracePeriod    time.Duration `yaml:"gracePeriod"`
}

// AppConfig is the top-level safeboxd configuration.
type AppConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Logger      logger.Config     `yaml:"logger"`
	Resources   ResourceConfig    `yaml:"resources"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Cgroup      CgroupConfig      `yaml:"cgroup"`
	Audit       AuditConfig       `yaml:"audit"`
	Lock        LockConfig        `yaml:"lock"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
}

// Load reads path, applies environment overrides, and fills in defaults.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if len(cfg.Resources.Names) == 0 {
		return nil, fmt.Errorf("resources.names is required")
	}
	if len(cfg.Resources.Names) != len(cfg.Resources.Totals) {
		return nil, fmt.Errorf("resources.names and resources.totals must have the same length")
	}
	return &cfg, nil
}

// applyEnvOverrides applies the SAFEBOX_* environment variable overrides.
func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("SAFEBOX_CGROUP_ROOT"); v != "" {
		cfg.Cgroup.Root = v
	}
	if v := os.Getenv("SAFEBOX_UNPRIV_UID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.UnprivUID = n
		}
	}
	if v := os.Getenv("SAFEBOX_UNPRIV_GID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.UnprivGID = n
		}
	}
	if v := os.Getenv("SAFEBOX_ALLOW_NEWNET"); v != "" {
		cfg.Sandbox.AllowNewNet = v == "1"
	}
	if v := os.Getenv("SAFEBOX_REDIS_ADDR"); v != "" {
		cfg.Lock.RedisAddr = v
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Cgroup.Root == "" {
		cfg.Cgroup.Root = defaultCgroupRoot
	}
	if cfg.Sandbox.HelperPath == "" {
		cfg.Sandbox.HelperPath = defaultHelperPath
	}
	if cfg.Coordinator.GracePeriod == 0 {
		cfg.Coordinator.GracePeriod = defaultGracePeriod
	}
	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = 10 * time.Second
	}
}
