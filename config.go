//go:build linux

package monsoon

import (
	"fmt"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Runtime defaults.
const (
	// DefaultStackSize is the default fiber stack size hint, 128 KiB.
	DefaultStackSize = 128 * 1024

	// DefaultConnectTimeout is the default Connect deadline.
	DefaultConnectTimeout = 5000 * time.Millisecond

	// DefaultMaxEvents is the default epoll_wait batch size.
	DefaultMaxEvents = 256

	// DefaultIdleTimeout is the default cap on a single idle block.
	DefaultIdleTimeout = 5000 * time.Millisecond
)

// Config is the file-loadable form of the runtime knobs. Validate fills a
// zero stack_size, workers, max_events or idle_timeout_ms with its default,
// and a zero pin_stride with 1 when pinning is on; a zero
// connect_timeout_ms is kept and means Connect has no deadline.
type Config struct {
	Name             string `toml:"name"`
	StackSize        int    `toml:"stack_size"`
	Workers          int    `toml:"workers"`
	UseCaller        bool   `toml:"use_caller"`
	PinCPU           bool   `toml:"pin_cpu"`
	PinOffset        int    `toml:"pin_offset"`
	PinStride        int    `toml:"pin_stride"`
	ConnectTimeoutMS int64  `toml:"connect_timeout_ms"`
	MaxEvents        int    `toml:"max_events"`
	IdleTimeoutMS    int64  `toml:"idle_timeout_ms"`
}

// DefaultConfig returns the built-in defaults: one worker per CPU, no
// pinning, 128 KiB stacks, 5 s connect timeout, 256-event batches, 5 s idle
// cap.
func DefaultConfig() Config {
	return Config{
		Name:             "monsoon",
		StackSize:        DefaultStackSize,
		Workers:          runtime.NumCPU(),
		PinStride:        1,
		ConnectTimeoutMS: int64(DefaultConnectTimeout / time.Millisecond),
		MaxEvents:        DefaultMaxEvents,
		IdleTimeoutMS:    int64(DefaultIdleTimeout / time.Millisecond),
	}
}

// LoadConfig reads a TOML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("monsoon: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and fills zero fields with defaults.
func (c *Config) Validate() error {
	if c.StackSize == 0 {
		c.StackSize = DefaultStackSize
	}
	if c.StackSize < 0 {
		return fmt.Errorf("monsoon: stack_size must be positive, got %d", c.StackSize)
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Workers < 0 {
		return fmt.Errorf("monsoon: workers must be positive, got %d", c.Workers)
	}
	if c.PinOffset < 0 || c.PinStride < 0 {
		return fmt.Errorf("monsoon: pin_offset and pin_stride must be non-negative")
	}
	if c.PinCPU && c.PinStride == 0 {
		c.PinStride = 1
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = DefaultMaxEvents
	}
	if c.MaxEvents < 0 {
		return fmt.Errorf("monsoon: max_events must be positive, got %d", c.MaxEvents)
	}
	if c.IdleTimeoutMS == 0 {
		c.IdleTimeoutMS = int64(DefaultIdleTimeout / time.Millisecond)
	}
	if c.IdleTimeoutMS < 0 {
		return fmt.Errorf("monsoon: idle_timeout_ms must be positive, got %d", c.IdleTimeoutMS)
	}
	if c.ConnectTimeoutMS < 0 {
		return fmt.Errorf("monsoon: connect_timeout_ms must be non-negative, got %d", c.ConnectTimeoutMS)
	}
	return nil
}

// Options converts the config into functional options for NewIOManager.
func (c Config) Options() []Option {
	opts := []Option{
		WithName(c.Name),
		WithWorkers(c.Workers),
		WithUseCaller(c.UseCaller),
		WithStackSize(c.StackSize),
		WithConnectTimeout(time.Duration(c.ConnectTimeoutMS) * time.Millisecond),
		WithMaxEvents(c.MaxEvents),
		WithIdleTimeout(time.Duration(c.IdleTimeoutMS) * time.Millisecond),
	}
	if c.PinCPU {
		opts = append(opts, WithCPUPinning(c.PinOffset, c.PinStride))
	}
	return opts
}

// options is the internal resolved form.
func (c Config) options() *options {
	return &options{
		name:           c.Name,
		workers:        c.Workers,
		useCaller:      c.UseCaller,
		pin:            c.PinCPU,
		pinOffset:      c.PinOffset,
		pinStride:      c.PinStride,
		stackSize:      c.StackSize,
		connectTimeout: time.Duration(c.ConnectTimeoutMS) * time.Millisecond,
		maxEvents:      c.MaxEvents,
		idleTimeout:    time.Duration(c.IdleTimeoutMS) * time.Millisecond,
	}
}
