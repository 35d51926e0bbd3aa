package lsm

// config holds the engine's runtime-overridable defaults (spec §6):
// block_size, l0_compaction_threshold, l1_max_bytes, max_levels, and
// write_buffer_size, plus the injected Logger.
type config struct {
	blockSize       int
	l0Threshold     int
	l1MaxBytes      uint64
	maxLevels       int
	writeBufferSize uint64
	logger          Logger
}

func defaultConfig() config {
	return config{
		blockSize:       4 * 1024,
		l0Threshold:     4,
		l1MaxBytes:      64 * 1024 * 1024,
		maxLevels:       7,
		writeBufferSize: 4 * 1024 * 1024,
		logger:          discardLogger{},
	}
}

// Option configures a database at Open time.
type Option interface {
	apply(*config)
}

// OptionFunc adapts a plain function to Option.
type OptionFunc func(*config)

func (f OptionFunc) apply(c *config) { f(c) }

// WithBlockSize overrides the SST data block threshold (default 4 KiB).
func WithBlockSize(n int) Option {
	return OptionFunc(func(c *config) { c.blockSize = n })
}

// WithL0Threshold overrides the level-0 table count that triggers
// compaction (default 4).
func WithL0Threshold(n int) Option {
	return OptionFunc(func(c *config) { c.l0Threshold = n })
}

// WithL1MaxBytes overrides the level-1 byte budget that triggers
// compaction; deeper levels scale by 16x per level (default 64 MiB).
func WithL1MaxBytes(n uint64) Option {
	return OptionFunc(func(c *config) { c.l1MaxBytes = n })
}

// WithMaxLevels overrides the number of levels (default 7).
func WithMaxLevels(n int) Option {
	return OptionFunc(func(c *config) { c.maxLevels = n })
}

// WithWriteBufferSize overrides the active memtable size that triggers a
// rotation to a new active memtable (default 4 MiB).
func WithWriteBufferSize(n uint64) Option {
	return OptionFunc(func(c *config) { c.writeBufferSize = n })
}

// WithLogger injects a Logger for background compaction diagnostics. The
// default discards info messages and logs errors through the standard
// library logger.
func WithLogger(l Logger) Option {
	return OptionFunc(func(c *config) { c.logger = l })
}
