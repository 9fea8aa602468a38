// Package logutil implements various log utilities.
package logutil

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var DefaultLogLevel = "info"

// ConvertToZapLevel converts log level string to zapcore.Level.
func ConvertToZapLevel(lvl string) (zapcore.Level, error) {
	switch lvl {
	case "debug":
		return zap.DebugLevel, nil
	case "info":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	case "dpanic":
		return zap.DPanicLevel, nil
	case "panic":
		return zap.PanicLevel, nil
	case "fatal":
		return zap.FatalLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown level %q", lvl)
	}
}

// GetDefaultZapLoggerConfig returns a new default zap logger configuration.
func GetDefaultZapLoggerConfig() zap.Config {
	return zap.Config{
		Level: zap.NewAtomicLevelAt(zap.InfoLevel),

		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},

		Encoding: "json",

		// copied from "zap.NewProductionEncoderConfig" with some updates
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},

		// Use "/dev/null" to discard all
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// NewLogger builds a logger with the default configuration at the given level.
func NewLogger(lvl string) (*zap.Logger, error) {
	level, err := ConvertToZapLevel(lvl)
	if err != nil {
		return nil, err
	}
	lcfg := GetDefaultZapLoggerConfig()
	lcfg.Level = zap.NewAtomicLevelAt(level)
	return lcfg.Build()
}

// AddOutputPaths adds output paths to the existing output paths, resolving conflicts.
func AddOutputPaths(cfg zap.Config, outputPaths, errorOutputPaths []string) zap.Config {
	cfg.OutputPaths = mergePaths(cfg.OutputPaths, outputPaths)
	cfg.ErrorOutputPaths = mergePaths(cfg.ErrorOutputPaths, errorOutputPaths)
	return cfg
}

func mergePaths(existing, added []string) []string {
	outputs := make(map[string]struct{})
	for _, v := range existing {
		outputs[v] = struct{}{}
	}
	for _, v := range added {
		outputs[v] = struct{}{}
	}
	// "/dev/null" to discard all
	if _, ok := outputs["/dev/null"]; ok {
		return []string{"/dev/null"}
	}
	merged := make([]string, 0, len(outputs))
	for k := range outputs {
		merged = append(merged, k)
	}
	sort.Strings(merged)
	return merged
}
