// Package logging builds the process logger: a zap core exposed through log/slog so every component can
// take a plain *slog.Logger.
package logging

import (
	"log/slog"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// Config selects the level, encoding and destination of the logger.
type Config struct {
	Level       string `yaml:"level"`
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
	ServiceName string `yaml:"serviceName"`
	// OutputPath is a file path or one of zap's "stdout"/"stderr" sinks. Empty means stdout.
	OutputPath string `yaml:"outputPath"`
}

// New builds a zap logger from cfg and returns it both as a *slog.Logger and as the underlying zap logger,
// whose Sync should be called before exit. Unknown levels fall back to info and unknown encodings to
// console.
func New(cfg Config) (*slog.Logger, *zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encoding := strings.ToLower(cfg.Encoding)
	if encoding != "json" {
		encoding = "console"
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.TimeKey = "time"
	encoderCfg.MessageKey = "msg"
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	if encoding == "console" {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	output := strings.TrimSpace(cfg.OutputPath)
	if output == "" {
		output = "stdout"
	}

	zapCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		Encoding:          encoding,
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{output},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !cfg.Development,
	}

	zl, err := zapCfg.Build()
	if err != nil {
		return nil, nil, err
	}
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		zl = zl.Named(name)
	}

	return slog.New(zapslog.NewHandler(zl.Core())), zl, nil
}
