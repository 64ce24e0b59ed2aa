package hmap

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	// defaultCapacity is the number of buckets a map starts with.
	defaultCapacity = 12
	// defaultMaxLoad is the load, in percent, at which a map doubles its
	// bucket array before the next insertion.
	defaultMaxLoad = 75
	// openMaxLoadLimit caps the OpenMap load so that at least one slot is
	// empty whenever a probe for a new key starts.
	openMaxLoadLimit = 100
)

// MapConfig defines configurable ChainMap and OpenMap options.
type MapConfig struct {
	capacity   int
	maxLoad    uint8
	arenaBytes int
	arenaSet   bool
	keyHash    any
	keyEqual   any
	logger     *zap.Logger
}

// WithCapacity configures the initial number of buckets. The bucket array
// only ever doubles from there. If n is zero or negative, the value is
// ignored.
func WithCapacity(n int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.capacity = n
	}
}

// WithMaxLoad configures the load percentage (75 means 0.75) that triggers
// growth. OpenMap clamps values above 100. Zero would double the table on
// every insertion and is ignored.
func WithMaxLoad(percent uint8) func(*MapConfig) {
	return func(c *MapConfig) {
		c.maxLoad = percent
	}
}

// WithArenaBytes configures how many bytes of node storage the map's pool
// reserves up front. By default the arena holds one node per initial
// bucket. Zero disables the arena.
func WithArenaBytes(n int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.arenaBytes = n
		c.arenaSet = true
	}
}

// WithHasher replaces the default key hash function.
func WithHasher[K any](keyHash func(key K) uintptr) func(*MapConfig) {
	return func(c *MapConfig) {
		c.keyHash = HashFunc[K](keyHash)
	}
}

// WithEqual replaces the default key equality (==).
func WithEqual[K any](keyEqual func(a, b K) bool) func(*MapConfig) {
	return func(c *MapConfig) {
		c.keyEqual = EqualFunc[K](keyEqual)
	}
}

// WithLogger attaches a logger for growth, rehash and pool diagnostics.
// Maps log nothing by default.
func WithLogger(logger *zap.Logger) func(*MapConfig) {
	return func(c *MapConfig) {
		c.logger = logger
	}
}

func newMapConfig(options []func(*MapConfig)) MapConfig {
	var cfg MapConfig
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.capacity <= 0 {
		cfg.capacity = defaultCapacity
	}
	if cfg.maxLoad == 0 {
		cfg.maxLoad = defaultMaxLoad
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	return cfg
}

// arenaBytesFor returns the pool reservation for blocks of blockSize bytes.
func (c *MapConfig) arenaBytesFor(blockSize uintptr) int {
	if c.arenaSet {
		return c.arenaBytes
	}
	return c.capacity * int(blockSize)
}

// keyFuncs resolves the configured hash and equality functions for K,
// falling back to defaultHasher.
func keyFuncs[K comparable](c *MapConfig) (HashFunc[K], EqualFunc[K]) {
	keyHash, keyEqual := defaultHasher[K]()
	if c.keyHash != nil {
		fn, ok := c.keyHash.(HashFunc[K])
		if !ok {
			panic(fmt.Sprintf("hmap: WithHasher got %T, want hash function for %T", c.keyHash, *new(K)))
		}
		keyHash = fn
	}
	if c.keyEqual != nil {
		fn, ok := c.keyEqual.(EqualFunc[K])
		if !ok {
			panic(fmt.Sprintf("hmap: WithEqual got %T, want equality for %T", c.keyEqual, *new(K)))
		}
		keyEqual = fn
	}
	return keyHash, keyEqual
}
