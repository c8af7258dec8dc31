package main

import (
	"fmt"
	"os"
	"time"

	"ojworker/internal/judge/sandbox/engine"
	"ojworker/internal/judge/sandbox/profile"
	"ojworker/internal/judge/sandbox/spec"
	"ojworker/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "configs/worker.yaml"

// DispatcherConfig configures the worker's connection to the task channel.
type DispatcherConfig struct {
	ServerURL        string        `yaml:"serverURL"`
	Name             string        `yaml:"name"`
	Secret           string        `yaml:"secret"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
}

// SchedulerConfig configures the bounded task-slot pool.
type SchedulerConfig struct {
	WorkDirs           []string `yaml:"workDirs"`
	MaxConcurrentTasks int      `yaml:"maxConcurrentTasks"`
}

// CompileCacheConfig configures the compile result cache.
type CompileCacheConfig struct {
	StoreDir string `yaml:"storeDir"`
	MaxSize  int64  `yaml:"maxSize"`
}

// IngestConfig configures the content-addressed testdata store.
type IngestConfig struct {
	DataStore              string        `yaml:"dataStore"`
	MaxConcurrentDownloads int           `yaml:"maxConcurrentDownloads"`
	DownloadTimeout        time.Duration `yaml:"downloadTimeout"`
	LockTTL                time.Duration `yaml:"lockTTL"`
	LockPollInterval       time.Duration `yaml:"lockPollInterval"`
}

// RedisConfig enables the cross-process download lock; a worker running
// alone on one machine can leave Enabled false and rely on the in-process
// dedup map alone.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ServerConfig holds the admin HTTP surface's listen settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// SandboxConfig adapts to engine.Config.
type SandboxConfig struct {
	CgroupRoot           string `yaml:"cgroupRoot"`
	SeccompDir           string `yaml:"seccompDir"`
	HelperPath           string `yaml:"helperPath"`
	StdoutStderrMaxBytes int64  `yaml:"stdoutStderrMaxBytes"`
	EnableSeccomp        bool   `yaml:"enableSeccomp"`
	EnableCgroup         bool   `yaml:"enableCgroup"`
	EnableNamespaces     bool   `yaml:"enableNamespaces"`
}

func (s SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		CgroupRoot:           s.CgroupRoot,
		SeccompDir:           s.SeccompDir,
		HelperPath:           s.HelperPath,
		StdoutStderrMaxBytes: s.StdoutStderrMaxBytes,
		EnableSeccomp:        s.EnableSeccomp,
		EnableCgroup:         s.EnableCgroup,
		EnableNamespaces:     s.EnableNamespaces,
	}
}

// AffinityConfig maps a CPU affinity role name to the CPU indices it is
// pinned to; omitted roles run unpinned.
type AffinityConfig map[string][]int

func (a AffinityConfig) toSpecMap() map[spec.AffinityRole][]int {
	out := make(map[spec.AffinityRole][]int, len(a))
	for role, cpus := range a {
		out[spec.AffinityRole(role)] = cpus
	}
	return out
}

// AppConfig is the worker process's top-level configuration.
type AppConfig struct {
	Logger      logger.Config       `yaml:"logger"`
	Server      ServerConfig        `yaml:"server"`
	Dispatcher  DispatcherConfig    `yaml:"dispatcher"`
	Scheduler   SchedulerConfig     `yaml:"scheduler"`
	CompileCache CompileCacheConfig `yaml:"compileCache"`
	Ingest      IngestConfig        `yaml:"ingest"`
	Redis       RedisConfig         `yaml:"redis"`
	Sandbox     SandboxConfig       `yaml:"sandbox"`
	Profiles    profile.Registry    `yaml:"profiles"`
	Affinity    AffinityConfig      `yaml:"affinity"`
	Concurrency int                 `yaml:"concurrency"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := &AppConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Dispatcher.HandshakeTimeout <= 0 {
		cfg.Dispatcher.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Dispatcher.RequestTimeout <= 0 {
		cfg.Dispatcher.RequestTimeout = 10 * time.Second
	}
	if cfg.Scheduler.MaxConcurrentTasks <= 0 {
		cfg.Scheduler.MaxConcurrentTasks = len(cfg.Scheduler.WorkDirs)
	}
	if cfg.CompileCache.MaxSize <= 0 {
		cfg.CompileCache.MaxSize = 4 * 1024 * 1024 * 1024
	}
	if cfg.Ingest.MaxConcurrentDownloads <= 0 {
		cfg.Ingest.MaxConcurrentDownloads = 8
	}
	if cfg.Ingest.DownloadTimeout <= 0 {
		cfg.Ingest.DownloadTimeout = 30 * time.Second
	}
	if cfg.Ingest.LockTTL <= 0 {
		cfg.Ingest.LockTTL = 30 * time.Second
	}
	if cfg.Ingest.LockPollInterval <= 0 {
		cfg.Ingest.LockPollInterval = 200 * time.Millisecond
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "0.0.0.0:8090"
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 5 * time.Second
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = len(cfg.Scheduler.WorkDirs)
	}
}
