package core

import "time"

// EvictionPolicy enumerates the memory/disk eviction policies of spec §4.3.
type EvictionPolicy string

const (
	PolicyNoEviction    EvictionPolicy = "noeviction"
	PolicyAllKeysLRU    EvictionPolicy = "allkeys-lru"
	PolicyAllKeysLFU    EvictionPolicy = "allkeys-lfu"
	PolicyAllKeysRandom EvictionPolicy = "allkeys-random"
	PolicyVolatileLRU   EvictionPolicy = "volatile-lru"
	PolicyVolatileLFU   EvictionPolicy = "volatile-lfu"
	PolicyVolatileTTL   EvictionPolicy = "volatile-ttl"
	PolicyVolatileRand  EvictionPolicy = "volatile-random"
)

// PollConfig drives the sync (poll-based) blocking-waiter ramp of spec §4.7.
type PollConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RampStep        time.Duration
}

func defaultPollConfig() PollConfig {
	return PollConfig{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     100 * time.Millisecond,
		RampStep:        5 * time.Millisecond,
	}
}

// Config is the engine-level, process-wide configuration attached to one
// core (spec §6). It is built once via Open/OpenMemory and mutated
// thereafter only through atomic fields on Core, mirroring spec §3.2's
// note that these values are "atomic configuration."
type Config struct {
	AutovacuumEnabled    bool
	AutovacuumInterval   time.Duration
	MaxDiskBytes         uint64
	MaxMemoryBytes       uint64
	EvictionPolicy       EvictionPolicy
	PersistAccessTrack   bool
	AccessFlushInterval  time.Duration
	Poll                 PollConfig
	InMemory             bool // drives the default persist-tracking/flush-interval split (spec §4.2)

	logger Logger
}

// DefaultConfig returns the spec §4.2 defaults: persist-tracking enabled and
// a 5s flush interval for in-memory databases; disabled and 5 minutes for
// file-backed ones (WAL cost).
func DefaultConfig(inMemory bool) Config {
	c := Config{
		AutovacuumEnabled:  true,
		AutovacuumInterval: 60 * time.Second,
		EvictionPolicy:     PolicyNoEviction,
		Poll:               defaultPollConfig(),
		InMemory:           inMemory,
	}
	if inMemory {
		c.PersistAccessTrack = true
		c.AccessFlushInterval = 5 * time.Second
	} else {
		c.PersistAccessTrack = false
		c.AccessFlushInterval = 5 * time.Minute
	}
	return c
}

// Option configures a Core at Open time.
type Option func(*Config)

func WithAutovacuum(enabled bool, interval time.Duration) Option {
	return func(c *Config) {
		c.AutovacuumEnabled = enabled
		if interval < time.Second {
			interval = time.Second
		}
		c.AutovacuumInterval = interval
	}
}

func WithMaxDiskBytes(n uint64) Option {
	return func(c *Config) { c.MaxDiskBytes = n }
}

func WithMaxMemoryBytes(n uint64) Option {
	return func(c *Config) { c.MaxMemoryBytes = n }
}

func WithEvictionPolicy(p EvictionPolicy) Option {
	return func(c *Config) { c.EvictionPolicy = p }
}

func WithAccessTracking(persist bool, flushInterval time.Duration) Option {
	return func(c *Config) {
		c.PersistAccessTrack = persist
		c.AccessFlushInterval = flushInterval
	}
}

func WithPollConfig(p PollConfig) Option {
	return func(c *Config) { c.Poll = p }
}

// WithLogger installs a *log.Logger for background-duty diagnostics.
func WithLogger(l Logger) Option {
	return func(c *Config) { c.logger = l }
}
