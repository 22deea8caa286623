// Package config resolves the execution core's environment-variable
// overrides (spec §6: "Number of worker threads override; preemption
// threshold override").
package config

import (
	"os"
	"runtime"
	"strconv"
	"time"
)

const (
	// EnvWorkers overrides the worker-thread count (default: GOMAXPROCS).
	EnvWorkers = "COREVM_WORKERS"

	// EnvPreemptThreshold overrides how long (in milliseconds) a task may
	// run before the preemption monitor sets its preempt flag.
	EnvPreemptThreshold = "COREVM_PREEMPT_THRESHOLD_MS"

	// EnvPreemptPollInterval overrides how often the preemption monitor
	// scans running tasks, in milliseconds.
	EnvPreemptPollInterval = "COREVM_PREEMPT_POLL_INTERVAL_MS"

	// EnvSafepointInstrCount overrides N, the bounded-latency fallback
	// safepoint poll interval measured in linear instructions (spec §4.1).
	EnvSafepointInstrCount = "COREVM_SAFEPOINT_INSTR_COUNT"

	// EnvMaxFrameDepth overrides the frame-stack depth cap (spec §3).
	EnvMaxFrameDepth = "COREVM_MAX_FRAME_DEPTH"

	// EnvLogLevel selects the vmlog level by name (emerg..trace).
	EnvLogLevel = "COREVM_LOG_LEVEL"
)

const (
	DefaultPreemptThreshold     = 10 * time.Millisecond
	DefaultPreemptPollInterval  = time.Millisecond
	DefaultSafepointInstrCount  = 4096
	DefaultMaxFrameDepth        = 4096
)

// Config is the resolved configuration for one VM instance.
type Config struct {
	Workers              int
	PreemptThreshold     time.Duration
	PreemptPollInterval  time.Duration
	SafepointInstrCount  uint32
	MaxFrameDepth        int
	LogLevel             string
}

// FromEnv resolves a Config from environment variables, falling back to the
// documented defaults for anything unset or unparsable.
func FromEnv() Config {
	return Config{
		Workers:             envInt(EnvWorkers, runtime.GOMAXPROCS(0)),
		PreemptThreshold:    envDuration(EnvPreemptThreshold, DefaultPreemptThreshold),
		PreemptPollInterval: envDuration(EnvPreemptPollInterval, DefaultPreemptPollInterval),
		SafepointInstrCount: uint32(envInt(EnvSafepointInstrCount, DefaultSafepointInstrCount)),
		MaxFrameDepth:       envInt(EnvMaxFrameDepth, DefaultMaxFrameDepth),
		LogLevel:            envString(EnvLogLevel, "info"),
	}
}

func envInt(name string, fallback int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(name string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func envString(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}
