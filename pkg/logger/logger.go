// Package logger builds the process-wide zap logger for pagekv.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level ("debug", "info", "warn", "error").
	// Unknown values fall back to info.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout"/"stderr". Empty means stderr so log
	// lines do not interleave with CLI output.
	OutputFile string `yaml:"output_file"`
	// SampleInitial and SampleThereafter enable per-second sampling of
	// identical messages: the first SampleInitial entries pass, then every
	// SampleThereafter-th. Page-level debug logs (evictions, flushes, splits)
	// repeat once per page, so sampling keeps debug runs readable.
	// Zero disables sampling.
	SampleInitial    int `yaml:"sample_initial"`
	SampleThereafter int `yaml:"sample_thereafter"`
}

// New creates the logger described by config. It is meant to be called once
// at startup; components derive their loggers with With or Named.
func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if config.Level != "" {
		if err := level.UnmarshalText([]byte(config.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}
	}

	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}

	var core zapcore.Core = zapcore.NewCore(newEncoder(config.Format), sink, level)
	if config.SampleInitial > 0 && config.SampleThereafter > 0 {
		core = zapcore.NewSamplerWithOptions(core, time.Second, config.SampleInitial, config.SampleThereafter)
	}

	return zap.New(core, zap.AddCaller(), zap.Fields(zap.String("service", "pagekv"))), nil
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func openSink(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	}
	file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
	}
	return zapcore.AddSync(file), nil
}
