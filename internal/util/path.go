package util

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var ErrFileNotFoundInPath = errors.New("file not found in $PATH")

// LookPath finds a file on the PATH.
// It uses a similar process to exec.LookPath, but can find regular files.
// Names containing a path separator are checked as-is.
func LookPath(file string) (string, error) {
	if strings.Contains(file, string(os.PathSeparator)) {
		if err := checkFile(file); err != nil {
			return "", err
		}
		return file, nil
	}
	path := os.Getenv("PATH")
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			// Unix shell semantics: path element "" means "."
			dir = "."
		}
		path := filepath.Join(dir, file)
		if err := checkFile(path); err == nil {
			return path, nil
		}
	}
	return "", ErrFileNotFoundInPath
}

func checkFile(file string) error {
	d, err := os.Stat(file)
	if err != nil {
		return err
	}
	m := d.Mode()
	if m.IsDir() {
		return syscall.EISDIR
	}
	return nil
}

// CanonicalPath expands environment variables and a leading "~", makes the
// path absolute and resolves symlinks in the longest existing prefix.
// The path itself does not have to exist.
func CanonicalPath(p string) (string, error) {
	if p == "" {
		return "", errors.New("empty path")
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return resolveExisting(abs)
}

func resolveExisting(abs string) (string, error) {
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	parent := filepath.Dir(abs)
	if parent == abs {
		return abs, nil
	}
	head, err := resolveExisting(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(head, filepath.Base(abs)), nil
}

// ExecutableDir returns the directory holding the running binary.
func ExecutableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
