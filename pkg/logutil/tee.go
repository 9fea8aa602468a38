package logutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Tee sends a zap logger and a plain writer to stderr and to one log file.
type Tee struct {
	Logger *zap.Logger
	Writer io.Writer

	file *os.File
}

// NewTee appends to the ".log" file at path. When the file cannot be opened
// the Tee falls back to stderr alone.
func NewTee(level, path string) (*Tee, error) {
	if filepath.Ext(path) != ".log" {
		return nil, fmt.Errorf("log file %q must have the .log extension", path)
	}
	lvl, err := ConvertToZapLevel(level)
	if err != nil {
		return nil, err
	}

	t := &Tee{Writer: os.Stderr}
	lcfg := GetDefaultZapLoggerConfig()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] failed to open log file %q (%v), logging to stderr only\n", path, err)
	} else {
		t.file = f
		t.Writer = io.MultiWriter(os.Stderr, f)
		lcfg = AddOutputPaths(lcfg, []string{path}, []string{path})
	}
	lcfg.Level = zap.NewAtomicLevelAt(lvl)

	t.Logger, err = lcfg.Build()
	if err != nil {
		if t.file != nil {
			t.file.Close()
		}
		return nil, err
	}
	return t, nil
}

// Close flushes the logger and closes the log file.
func (t *Tee) Close() error {
	_ = t.Logger.Sync()
	if t.file == nil {
		return nil
	}
	if err := t.file.Sync(); err != nil {
		t.file.Close()
		return err
	}
	return t.file.Close()
}
