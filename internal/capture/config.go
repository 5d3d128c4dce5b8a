package capture

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrMissingAPIURL = errors.New("capture: api_url is required")
	ErrMissingSDKKey = errors.New("capture: sdk_key is required")
)

// Config holds the recognized engine options. APIURL and SDKKey have no
// defaults; everything else falls back to DefaultConfig.
type Config struct {
	APIURL            string        `yaml:"api_url"`
	SDKKey            string        `yaml:"sdk_key"`
	BatchSize         int           `yaml:"batch_size"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	MaxQueueSize      int           `yaml:"max_queue_size"`
	SnapshotEncoding  string        `yaml:"snapshot_encoding"` // json|gzip|gzip-buffer|lz
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	IdleCheckInterval time.Duration `yaml:"idle_check_interval"`
	BeaconMaxBytes    int           `yaml:"beacon_max_bytes"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         10,
		FlushInterval:     5 * time.Second,
		SessionTimeout:    30 * time.Minute,
		MaxQueueSize:      1000,
		SnapshotEncoding:  "gzip",
		RequestTimeout:    10 * time.Second,
		IdleCheckInterval: time.Minute,
	}
}

// WithDefaults fills every unset optional field.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.SnapshotEncoding == "" {
		c.SnapshotEncoding = d.SnapshotEncoding
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = d.IdleCheckInterval
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return ErrMissingAPIURL
	}
	if strings.TrimSpace(c.SDKKey) == "" {
		return ErrMissingSDKKey
	}
	return nil
}

func (c Config) endpoint(path string) string {
	return strings.TrimRight(c.APIURL, "/") + path
}
