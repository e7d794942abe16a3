package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tinytxn/tinytxn/log"
)

type Config struct {
	// SnapshotDir is the directory snapshots and edit logs are stored in.
	// Should exist and be writable. Required whenever file persistence is
	// used.
	SnapshotDir string `toml:"snapshot-dir"`

	// Periodic snapshot cadence.
	SnapshotInterval time.Duration `toml:"snapshot-interval"`
	// A snapshot is also taken once this many edits accumulate.
	SnapshotAfterEdits int `toml:"snapshot-after-edits"`
	// How many old snapshots to keep around.
	SnapshotRetainCount int `toml:"snapshot-retain-count"`

	// Default timeout applied to short transactions started without one.
	TxDefaultTimeout time.Duration `toml:"tx-timeout-default"`
	// Enforced ceiling on client-supplied short transaction timeouts.
	TxMaxTimeout time.Duration `toml:"tx-timeout-max"`
	// Inactivity cap assumed for long transactions. Informational: long
	// transactions are never expired by the cleanup sweep.
	TxLongTimeout time.Duration `toml:"tx-long-timeout"`
	// Cadence of the expiration sweep that invalidates timed out
	// transactions.
	TxCleanupInterval time.Duration `toml:"tx-cleanup-interval"`

	// Group commit window of the edit log writer. Zero flushes every batch
	// as soon as it drains.
	LogFlushInterval time.Duration `toml:"log-flush-interval"`
	// Edit count at which a batch is flushed regardless of the window.
	LogFlushBatch int `toml:"log-flush-batch"`

	LogLevel string `toml:"log-level"`
	LogFile  string `toml:"log-file"`
}

func (c *Config) Validate() error {
	if c.TxDefaultTimeout <= 0 {
		return fmt.Errorf("tx-timeout-default must be greater than 0")
	}
	if c.TxMaxTimeout < c.TxDefaultTimeout {
		return fmt.Errorf("tx-timeout-max must not be below tx-timeout-default")
	}
	if c.SnapshotRetainCount < 1 {
		return fmt.Errorf("snapshot-retain-count must be at least 1")
	}
	if c.LogFlushBatch <= 0 {
		return fmt.Errorf("log-flush-batch must be greater than 0")
	}
	return nil
}

// ApplyLogging points the global logger at the configured level and file.
func (c *Config) ApplyLogging() {
	log.SetLevel(c.LogLevel)
	if c.LogFile != "" {
		log.InitFileOutput(c.LogFile)
	}
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		SnapshotDir:         "data/tx.snapshot",
		SnapshotInterval:    300 * time.Second,
		SnapshotAfterEdits:  100000,
		SnapshotRetainCount: 10,
		TxDefaultTimeout:    30 * time.Second,
		TxMaxTimeout:        30 * time.Minute,
		TxLongTimeout:       24 * time.Hour,
		TxCleanupInterval:   10 * time.Second,
		LogFlushInterval:    10 * time.Millisecond,
		LogFlushBatch:       256,
		LogLevel:            getLogLevel(),
	}
}

func NewTestConfig() *Config {
	return &Config{
		SnapshotInterval:    50 * time.Millisecond,
		SnapshotAfterEdits:  100000,
		SnapshotRetainCount: 3,
		TxDefaultTimeout:    30 * time.Second,
		TxMaxTimeout:        30 * time.Minute,
		TxLongTimeout:       24 * time.Hour,
		TxCleanupInterval:   50 * time.Millisecond,
		LogFlushInterval:    0,
		LogFlushBatch:       64,
		LogLevel:            getLogLevel(),
	}
}

// duration lets toml parse "30s" style values into a time.Duration.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// fileConfig mirrors Config for toml decoding; durations are strings there.
type fileConfig struct {
	SnapshotDir         *string   `toml:"snapshot-dir"`
	SnapshotInterval    *duration `toml:"snapshot-interval"`
	SnapshotAfterEdits  *int      `toml:"snapshot-after-edits"`
	SnapshotRetainCount *int      `toml:"snapshot-retain-count"`
	TxDefaultTimeout    *duration `toml:"tx-timeout-default"`
	TxMaxTimeout        *duration `toml:"tx-timeout-max"`
	TxLongTimeout       *duration `toml:"tx-long-timeout"`
	TxCleanupInterval   *duration `toml:"tx-cleanup-interval"`
	LogFlushInterval    *duration `toml:"log-flush-interval"`
	LogFlushBatch       *int      `toml:"log-flush-batch"`
	LogLevel            *string   `toml:"log-level"`
	LogFile             *string   `toml:"log-file"`
}

// FromFile loads a toml config file on top of the defaults.
func FromFile(path string) (*Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, err
	}
	c := NewDefaultConfig()
	if fc.SnapshotDir != nil {
		c.SnapshotDir = *fc.SnapshotDir
	}
	if fc.SnapshotInterval != nil {
		c.SnapshotInterval = fc.SnapshotInterval.Duration
	}
	if fc.SnapshotAfterEdits != nil {
		c.SnapshotAfterEdits = *fc.SnapshotAfterEdits
	}
	if fc.SnapshotRetainCount != nil {
		c.SnapshotRetainCount = *fc.SnapshotRetainCount
	}
	if fc.TxDefaultTimeout != nil {
		c.TxDefaultTimeout = fc.TxDefaultTimeout.Duration
	}
	if fc.TxMaxTimeout != nil {
		c.TxMaxTimeout = fc.TxMaxTimeout.Duration
	}
	if fc.TxLongTimeout != nil {
		c.TxLongTimeout = fc.TxLongTimeout.Duration
	}
	if fc.TxCleanupInterval != nil {
		c.TxCleanupInterval = fc.TxCleanupInterval.Duration
	}
	if fc.LogFlushInterval != nil {
		c.LogFlushInterval = fc.LogFlushInterval.Duration
	}
	if fc.LogFlushBatch != nil {
		c.LogFlushBatch = *fc.LogFlushBatch
	}
	if fc.LogLevel != nil {
		c.LogLevel = *fc.LogLevel
	}
	if fc.LogFile != nil {
		c.LogFile = *fc.LogFile
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
