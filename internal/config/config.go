// Package config loads the environment variables named in spec.md §6,
// validating them against the ranges the spec prescribes, using viper
// (bound to the process environment) plus an optional .env file for local
// development, mirroring the teacher pack's 88lin-divinesense profile
// loader.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Environment selects the default-value profile.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds every daemon-wide tunable named by spec.md §6.
type Config struct {
	Env Environment

	TaskTimeout     time.Duration
	MaxOutputBuffer int64

	CPUThresholdPercent float64
	MemoryReserveBytes  int64

	LogLevel  string
	LogFormat string

	StorePath    string
	AuditLogPath string
	SpillDir     string

	HardCapWorkers int
}

const (
	minTaskTimeout     = 1 * time.Second
	maxTaskTimeout     = 24 * time.Hour
	minOutputBuffer    = 1024
	maxOutputBuffer    = 1 << 30
	defaultHardCap     = 8
	defaultStorePath   = "./agentd-data/agentd.db"
	defaultAuditPath   = "./agentd-data/audit.bolt"
	defaultSpillDir    = "./agentd-data/spill"
	defaultTimeoutMS   = 1_800_000
	defaultMaxOutBytes = 10 * 1024 * 1024
)

// Load reads configuration from the environment (and an optional .env
// file in the working directory, if present) and validates it.
func Load() (*Config, error) {
	_ = godotenv.Load() // best effort; absence of .env is not an error

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	env := EnvDevelopment
	if strings.EqualFold(v.GetString("AGENTD_ENV"), "production") {
		env = EnvProduction
	}

	cfg := &Config{
		Env:            env,
		StorePath:      orDefault(v.GetString("AGENTD_STORE_PATH"), defaultStorePath),
		AuditLogPath:   orDefault(v.GetString("AGENTD_AUDIT_PATH"), defaultAuditPath),
		SpillDir:       orDefault(v.GetString("AGENTD_SPILL_DIR"), defaultSpillDir),
		LogLevel:       orDefault(v.GetString("LOG_LEVEL"), "info"),
		LogFormat:      orDefault(v.GetString("LOG_FORMAT"), "text"),
		HardCapWorkers: intOrDefault(v, "AGENTD_HARD_CAP_WORKERS", defaultHardCap),
	}

	timeoutMS := intOrDefault(v, "TASK_TIMEOUT", defaultTimeoutMS)
	cfg.TaskTimeout = time.Duration(timeoutMS) * time.Millisecond
	if cfg.TaskTimeout < minTaskTimeout || cfg.TaskTimeout > maxTaskTimeout {
		return nil, fmt.Errorf("TASK_TIMEOUT out of range [1000..86400000]ms: got %dms", timeoutMS)
	}

	maxBuf := int64(intOrDefault(v, "MAX_OUTPUT_BUFFER", defaultMaxOutBytes))
	if maxBuf < minOutputBuffer || maxBuf > maxOutputBuffer {
		return nil, fmt.Errorf("MAX_OUTPUT_BUFFER out of range [1024..1073741824]: got %d", maxBuf)
	}
	cfg.MaxOutputBuffer = maxBuf

	defaultCPU := 80.0
	defaultMem := int64(1_073_741_824)
	if env == EnvDevelopment {
		defaultCPU = 95.0
		defaultMem = 100_000_000
	}
	cfg.CPUThresholdPercent = floatOrDefault(v, "CPU_THRESHOLD", defaultCPU)
	cfg.MemoryReserveBytes = int64(intOrDefault(v, "MEMORY_RESERVE", int(defaultMem)))

	slog.Debug("configuration loaded", "env", cfg.Env, "task_timeout", cfg.TaskTimeout,
		"max_output_buffer", cfg.MaxOutputBuffer, "cpu_threshold", cfg.CPUThresholdPercent,
		"memory_reserve", cfg.MemoryReserveBytes)

	return cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intOrDefault(v *viper.Viper, key string, def int) int {
	if !v.IsSet(key) {
		return def
	}
	return v.GetInt(key)
}

func floatOrDefault(v *viper.Viper, key string, def float64) float64 {
	if !v.IsSet(key) {
		return def
	}
	return v.GetFloat64(key)
}
