// Package logging builds the process logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, encoding and the rotated log file.
type Config struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"` // json or console
	File        string `mapstructure:"file"`     // empty logs to stderr only
	MaxSizeMB   int    `mapstructure:"max-size-mb"`
	MaxBackups  int    `mapstructure:"max-backups"`
	MaxAgeDays  int    `mapstructure:"max-age-days"`
	Compress    bool   `mapstructure:"compress"`
	Development bool   `mapstructure:"development"`
}

// DefaultConfig logs info and above as JSON.
func DefaultConfig() Config {
	return Config{Level: "info", Encoding: "json", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30}
}

// DefaultFile returns ~/.local/state/beacon/beacon.log.
func DefaultFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "beacon", "beacon.log")
}

// New builds a logger writing to cfg.File through lumberjack, or to stderr
// when no file is configured. The returned func syncs and closes the file.
func New(cfg Config) (*zap.Logger, func(), error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch cfg.Encoding {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, nil, fmt.Errorf("unknown log encoding %q", cfg.Encoding)
	}

	var ws zapcore.WriteSyncer
	closeFn := func() {}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		ws = zapcore.AddSync(rotator)
		closeFn = func() { _ = rotator.Close() }
	} else {
		ws = zapcore.Lock(os.Stderr)
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	logger := zap.New(zapcore.NewCore(enc, ws, level), opts...)
	return logger, func() {
		_ = logger.Sync()
		closeFn()
	}, nil
}
