//go:build linux

package monsoon

import (
	"errors"
	"time"
)

// options holds resolved configuration for Scheduler/IOManager creation.
type options struct {
	name           string
	workers        int
	useCaller      bool
	pin            bool
	pinOffset      int
	pinStride      int
	stackSize      int
	connectTimeout time.Duration
	maxEvents      int
	idleTimeout    time.Duration
}

// Option configures a Scheduler or IOManager instance.
type Option interface {
	apply(*options) error
}

type optionImpl struct {
	applyFunc func(*options) error
}

func (o *optionImpl) apply(opts *options) error {
	return o.applyFunc(opts)
}

// WithName sets the scheduler name used in log output.
func WithName(name string) Option {
	return &optionImpl{func(opts *options) error {
		opts.name = name
		return nil
	}}
}

// WithWorkers sets the target worker count, including the calling thread
// when caller participation is enabled.
func WithWorkers(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n <= 0 {
			return errors.New("monsoon: worker count must be positive")
		}
		opts.workers = n
		return nil
	}}
}

// WithUseCaller makes the constructing goroutine participate as a worker:
// it counts toward the worker total and drains work inside Stop, which must
// then be called from that same goroutine.
func WithUseCaller(enabled bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.useCaller = enabled
		return nil
	}}
}

// WithCPUPinning pins worker i to core (offset + i*stride) mod NumCPU. With
// caller participation, the caller is pinned to the core immediately after
// the last worker.
func WithCPUPinning(offset, stride int) Option {
	return &optionImpl{func(opts *options) error {
		if offset < 0 || stride < 0 {
			return errors.New("monsoon: pinning offset and stride must be non-negative")
		}
		opts.pin = true
		opts.pinOffset = offset
		opts.pinStride = stride
		return nil
	}}
}

// WithStackSize sets the default stack size hint for fibers created by the
// scheduler (callback fibers included).
func WithStackSize(bytes int) Option {
	return &optionImpl{func(opts *options) error {
		if bytes <= 0 {
			return errors.New("monsoon: stack size must be positive")
		}
		opts.stackSize = bytes
		return nil
	}}
}

// WithConnectTimeout sets the default timeout applied by Connect when no
// explicit timeout is supplied.
func WithConnectTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *options) error {
		opts.connectTimeout = d
		return nil
	}}
}

// WithMaxEvents sets the maximum number of kernel events accepted per
// epoll_wait batch.
func WithMaxEvents(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n <= 0 {
			return errors.New("monsoon: max events must be positive")
		}
		opts.maxEvents = n
		return nil
	}}
}

// WithIdleTimeout caps how long an idle worker may block waiting for events
// before re-checking the stopping predicate.
func WithIdleTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *options) error {
		if d <= 0 {
			return errors.New("monsoon: idle timeout must be positive")
		}
		opts.idleTimeout = d
		return nil
	}}
}

// resolveOptions applies Option instances over the package defaults.
func resolveOptions(opts []Option) (*options, error) {
	cfg := DefaultConfig().options()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
