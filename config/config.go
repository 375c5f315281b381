// Package config holds the small, explicit configuration struct the Runner
// is constructed from, loadable either by hand or from environment
// variables - there is no configuration framework here, matching how the
// rest of this codebase favors a plain struct over a generic loader.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/smallnest/taskgraph/tglog"
)

// RunnerConfig is the set of knobs that vary between deployments of the
// task-graph engine without touching code: whether the output cache is on
// by default, how verbose logging is, and the TTL applied to cache entries
// that support one.
type RunnerConfig struct {
	DefaultCacheEnabled bool
	LogLevel            tglog.Level
	CacheTTL            time.Duration
}

// DefaultRunnerConfig returns the config a Runner uses when nothing else is
// specified: caching off, info-level logging, no TTL.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		DefaultCacheEnabled: false,
		LogLevel:            tglog.LevelInfo,
		CacheTTL:            0,
	}
}

// Environment variable names RunnerConfig reads from FromEnv.
const (
	EnvDefaultCache = "TASKGRAPH_DEFAULT_CACHE"
	EnvLogLevel     = "TASKGRAPH_LOG_LEVEL"
	EnvCacheTTL     = "TASKGRAPH_CACHE_TTL"
)

// FromEnv builds a RunnerConfig starting from DefaultRunnerConfig and
// overriding each field whose environment variable is set. Malformed values
// are ignored, leaving the default in place.
func FromEnv() RunnerConfig {
	cfg := DefaultRunnerConfig()

	if v, ok := os.LookupEnv(EnvDefaultCache); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DefaultCacheEnabled = b
		}
	}

	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		if lvl, ok := parseLevel(v); ok {
			cfg.LogLevel = lvl
		}
	}

	if v, ok := os.LookupEnv(EnvCacheTTL); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}

	return cfg
}

func parseLevel(s string) (tglog.Level, bool) {
	switch s {
	case "debug", "DEBUG":
		return tglog.LevelDebug, true
	case "info", "INFO":
		return tglog.LevelInfo, true
	case "warn", "WARN":
		return tglog.LevelWarn, true
	case "error", "ERROR":
		return tglog.LevelError, true
	case "none", "NONE":
		return tglog.LevelNone, true
	default:
		return tglog.LevelInfo, false
	}
}
