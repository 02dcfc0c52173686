//go:build linux

package reactor

import (
	"fmt"
	"math"
	"time"

	"github.com/therotherithethethe/asonc/bufpool"
	"github.com/therotherithethethe/asonc/uring"
)

const (
	DefaultAddr          = "127.0.0.1:42067"
	DefaultBacklog       = 128
	DefaultRingEntries   = 64
	DefaultBufferCount   = 1024
	DefaultBufferSize    = 1024
	DefaultBufferGroup   = 7
	DefaultConsoleFd     = 0
	DefaultShutdownToken = "x"
	DefaultTickInterval  = 100 * time.Millisecond
	DefaultDrainTimeout  = time.Second
)

//Config of a Loop. Zero values are not valid, start from DefaultConfig.
type Config struct {
	// TCP address to listen on, port 0 picks a free port.
	Addr    string
	Backlog int

	// SQ size, power of two.
	RingEntries uint32

	// provided buffer pool shared by every connection. The console reads from
	// its own small pool registered under BufferGroup+1.
	BufferCount int
	BufferSize  int
	BufferGroup uint16

	// ConnBufferLimit caps the slots one connection may hold while its echo is pending,
	// zero means a quarter of BufferCount.
	ConnBufferLimit int

	// ConsoleFd is read for operator commands, negative disables the console.
	ConsoleFd     int
	ShutdownToken string

	// how often a cancellable context is checked while waiting for completions
	TickInterval time.Duration
	// upper bound for waiting cancelled requests on shutdown
	DrainTimeout time.Duration

	Logger Logger
}

func DefaultConfig() Config {
	return Config{
		Addr:          DefaultAddr,
		Backlog:       DefaultBacklog,
		RingEntries:   DefaultRingEntries,
		BufferCount:   DefaultBufferCount,
		BufferSize:    DefaultBufferSize,
		BufferGroup:   DefaultBufferGroup,
		ConsoleFd:     DefaultConsoleFd,
		ShutdownToken: DefaultShutdownToken,
		TickInterval:  DefaultTickInterval,
		DrainTimeout:  DefaultDrainTimeout,
		Logger:        &nopLogger{},
	}
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

//Validate reports the first bad field wrapped in ErrConfiguration.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: empty listen address", ErrConfiguration)
	case c.Backlog <= 0:
		return fmt.Errorf("%w: backlog %d must be positive", ErrConfiguration, c.Backlog)
	case !isPow2(int(c.RingEntries)) || c.RingEntries > uring.MaxEntries:
		return fmt.Errorf("%w: ring entries %d must be a power of two <= %d", ErrConfiguration, c.RingEntries, uring.MaxEntries)
	case !isPow2(c.BufferCount) || c.BufferCount > bufpool.MaxCapacity:
		return fmt.Errorf("%w: buffer count %d must be a power of two <= %d", ErrConfiguration, c.BufferCount, bufpool.MaxCapacity)
	case c.BufferSize <= 0:
		return fmt.Errorf("%w: buffer size %d must be positive", ErrConfiguration, c.BufferSize)
	case c.BufferGroup == math.MaxUint16:
		return fmt.Errorf("%w: buffer group %d leaves no group for the console", ErrConfiguration, c.BufferGroup)
	case c.ConnBufferLimit < 0 || c.ConnBufferLimit > c.BufferCount:
		return fmt.Errorf("%w: connection buffer limit %d must be within [0, %d]", ErrConfiguration, c.ConnBufferLimit, c.BufferCount)
	case c.ConsoleFd >= 0 && c.ShutdownToken == "":
		return fmt.Errorf("%w: empty shutdown token", ErrConfiguration)
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: tick interval %s must be positive", ErrConfiguration, c.TickInterval)
	case c.DrainTimeout <= 0:
		return fmt.Errorf("%w: drain timeout %s must be positive", ErrConfiguration, c.DrainTimeout)
	}
	return nil
}

//connLimit effective ConnBufferLimit.
func (c *Config) connLimit() int {
	if c.ConnBufferLimit > 0 {
		return c.ConnBufferLimit
	}
	return max(1, c.BufferCount/4)
}

type Option func(c *Config)

func WithAddr(addr string) Option {
	return func(c *Config) {
		c.Addr = addr
	}
}

func WithBacklog(backlog int) Option {
	return func(c *Config) {
		c.Backlog = backlog
	}
}

func WithRingEntries(entries uint32) Option {
	return func(c *Config) {
		c.RingEntries = entries
	}
}

//WithBuffers set count and size of provided buffers.
func WithBuffers(count, size int) Option {
	return func(c *Config) {
		c.BufferCount = count
		c.BufferSize = size
	}
}

func WithConnBufferLimit(limit int) Option {
	return func(c *Config) {
		c.ConnBufferLimit = limit
	}
}

func WithBufferGroup(group uint16) Option {
	return func(c *Config) {
		c.BufferGroup = group
	}
}

//WithConsole read operator commands from fd, negative fd disables the console.
func WithConsole(fd int) Option {
	return func(c *Config) {
		c.ConsoleFd = fd
	}
}

func WithShutdownToken(token string) Option {
	return func(c *Config) {
		c.ShutdownToken = token
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(c *Config) {
		c.TickInterval = d
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.DrainTimeout = d
	}
}

func WithLogger(logger Logger) Option {
	return func(c *Config) {
		if logger == nil {
			logger = &nopLogger{}
		}
		c.Logger = logger
	}
}
