// Package config holds the library's tunables (scan defaults, connect
// timeout, descriptor-read timeout, log level) and constructs the
// structured logger every backend shares, generalizing the teacher's
// pkg/config.Config from a CLI-only options bag to a library-embeddable one.
package config

import (
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the set of knobs every backend is constructed with; not every
// field is read by a backend (see the field comments).
// Zero-value fields are filled in by Default/Load via struct-tag defaults.
type Config struct {
	LogLevel logrus.Level `yaml:"log_level" default:"4"` // logrus.InfoLevel

	// ScanInterval/ScanWindow are LE scan parameters in units of 0.625ms
	// (spec §4.3: default 0x0010 each). No backend reads them:
	// linux/transport sends its own fixed 0x0010 values.
	ScanInterval uint16 `yaml:"scan_interval" default:"16"`
	ScanWindow   uint16 `yaml:"scan_window" default:"16"`

	// ConnectTimeout bounds the wait for LE Connection Complete (spec §5:
	// "connect() on Linux has an internal one-second wait").
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"1s"`

	// DescriptorReadTimeout is the configured bound for a single
	// ReadDescriptor/WriteDescriptor round trip. No backend reads it, so
	// descriptor calls are not limited by this value.
	DescriptorReadTimeout time.Duration `yaml:"descriptor_read_timeout" default:"5s"`

	// NotificationBufferSize is the per-subscriber bound for eventbus.Bus
	// (spec §4.5: "finite buffer (size 16)").
	NotificationBufferSize int `yaml:"notification_buffer_size" default:"16"`
}

// Default returns a Config with every field set to its struct-tag default.
func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// Load reads YAML config from path, applying struct-tag defaults first so
// the file only needs to override what it cares about.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	return c, nil
}

// NewLogger builds a structured logger at c.LogLevel, one *logrus.Entry per
// adapter/peripheral is expected to be derived from it via WithFields
// (fields: adapter, peripheral, op), matching the teacher's
// config.NewLogger per-component injection idiom.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
