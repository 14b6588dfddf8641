// Package logutil initializes the process-wide structured logger.
package logutil

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the global logger.
type Config struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	// File is optional; when empty logs go to stderr.
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb" toml:"max-size-mb"`
	MaxDays    int    `yaml:"max-days" toml:"max-days"`
	MaxBackups int    `yaml:"max-backups" toml:"max-backups"`
}

// DefaultConfig returns an info-level text logger writing to stderr.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		MaxSizeMB:  300,
		MaxDays:    0,
		MaxBackups: 0,
	}
}

// InitLogger replaces the pingcap/log globals with a logger built from cfg.
func InitLogger(cfg Config) error {
	if _, err := ParseLevel(cfg.Level); err != nil {
		return err
	}
	logCfg := &log.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		File: log.FileLogConfig{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxDays:    cfg.MaxDays,
			MaxBackups: cfg.MaxBackups,
		},
	}
	logger, props, err := log.InitLogger(logCfg)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// ParseLevel validates a textual level such as "debug" or "warn".
func ParseLevel(level string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return lvl, errors.Annotatef(err, "invalid log level %q", level)
	}
	return lvl, nil
}

// SetLevel changes the level of the global logger at runtime.
func SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.Info("log level changed", zap.String("level", lvl.String()))
	return nil
}
