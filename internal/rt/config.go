package rt

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"

	"vesper/internal/trace"
)

// Default policy constants. The token-walk cap is policy, not an
// architectural limit.
const (
	DefaultTokenWalkDepth = 64
	defaultBlockQuantum   = 500 // microseconds between block_on retries
)

// Config controls a Runtime instance.
type Config struct {
	// Workers is the scheduler pool size. Zero means enqueue executes
	// tasks synchronously inline on the calling thread.
	Workers int `toml:"workers"`

	// TokenWalkDepth caps the cancellation ancestor walk.
	TokenWalkDepth int `toml:"token_walk_depth"`

	// HangProbeThreshold dumps tasks observed pending this many polls in
	// a row. Zero disables the probe (env toggle may still enable it).
	HangProbeThreshold int `toml:"hang_probe_threshold"`

	// SchedTrace is the trace level name (off|sched|verbose).
	SchedTrace string `toml:"sched_trace"`

	// Tracer overrides the trace sink. Nil selects stderr stream tracing
	// when a trace level is active, the nop tracer otherwise.
	Tracer trace.Tracer `toml:"-"`
}

// DefaultConfig returns the configuration used when no vesper.toml is
// present: one worker per CPU and default policy constants.
func DefaultConfig() Config {
	return Config{
		Workers:        runtime.NumCPU(),
		TokenWalkDepth: DefaultTokenWalkDepth,
	}
}

// LoadConfig reads a vesper.toml. Missing file yields DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	var file struct {
		Runtime Config `toml:"runtime"`
	}
	file.Runtime = cfg
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return cfg, fmt.Errorf("load %s: %w", path, err)
	}
	return file.Runtime, nil
}

// Environment diagnostics. Both are read once, lazily, and affect only
// diagnostics output, never functional behavior.
var (
	diagOnce      sync.Once
	envProbe      int
	envTraceLevel trace.Level
)

func diagEnv() (probe int, level trace.Level) {
	diagOnce.Do(func() {
		if v := os.Getenv("VESPER_HANG_PROBE"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				envProbe = n
			}
		}
		if v := os.Getenv("VESPER_SCHED_TRACE"); v != "" {
			if lvl, err := trace.ParseLevel(v); err == nil {
				envTraceLevel = lvl
			}
		}
	})
	return envProbe, envTraceLevel
}

// workersFromEnv applies the VESPER_THREADS override, mirroring how the
// embedding shell configures the pool without recompiling.
func workersFromEnv(workers int) int {
	v := os.Getenv("VESPER_THREADS")
	if v == "" {
		return workers
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return workers
	}
	return n
}

func (c Config) normalize() Config {
	if c.Workers < 0 {
		c.Workers = 0
	}
	if c.TokenWalkDepth <= 0 {
		c.TokenWalkDepth = DefaultTokenWalkDepth
	}
	probe, lvl := diagEnv()
	if c.HangProbeThreshold <= 0 {
		c.HangProbeThreshold = probe
	}
	if c.Tracer == nil {
		level := lvl
		if c.SchedTrace != "" {
			if parsed, err := trace.ParseLevel(c.SchedTrace); err == nil {
				level = parsed
			}
		}
		if level > trace.LevelOff {
			c.Tracer = trace.NewStreamTracer(os.Stderr, level)
		} else {
			c.Tracer = trace.Nop
		}
	}
	return c
}
