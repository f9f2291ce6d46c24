// Package logutil builds the zap logger used across the server.
package logutil

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig describes where and how to log. An empty Filename logs to
// stderr; otherwise the file is rotated by size and age.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Filename   string `toml:"filename"`
	MaxSize    int    `toml:"max-size"`
	MaxDays    int    `toml:"max-days"`
	MaxBackups int    `toml:"max-backups"`
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "console",
		MaxSize:    512,
		MaxBackups: 3,
	}
}

func (cfg *LogConfig) getLevel() (zap.AtomicLevel, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return zap.AtomicLevel{}, errors.Wrap(err, "parse log level")
	}
	return zap.NewAtomicLevelAt(level), nil
}

func (cfg *LogConfig) getSyncer() (zapcore.WriteSyncer, error) {
	if cfg.Filename == "" {
		return zapcore.Lock(os.Stderr), nil
	}
	if info, err := os.Stat(cfg.Filename); err == nil && info.IsDir() {
		return nil, errors.Errorf("log file %s can't be a directory", cfg.Filename)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxDays,
		MaxBackups: cfg.MaxBackups,
		LocalTime:  true,
	}), nil
}

func getLoggerEncoder(format string) (zapcore.Encoder, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000 -0700")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	switch format {
	case "console":
		return zapcore.NewConsoleEncoder(encoderConfig), nil
	case "json":
		return zapcore.NewJSONEncoder(encoderConfig), nil
	default:
		return nil, errors.Errorf("unsupported log format: %s", format)
	}
}

// NewLogger builds a logger from cfg. The returned logger should be synced
// before the process exits.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := cfg.getLevel()
	if err != nil {
		return nil, err
	}
	encoder, err := getLoggerEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}
	syncer, err := cfg.getSyncer()
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, syncer, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.FatalLevel)), nil
}

// Duration is shorthand for a millisecond-precision duration field.
func Duration(key string, d time.Duration) zap.Field {
	return zap.Duration(key, d.Round(time.Millisecond))
}
