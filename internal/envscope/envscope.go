// Package envscope sets process environment variables for the duration of a
// call and restores the previous values afterwards.
package envscope

import (
	"fmt"
	"io"
	"os"
	"sort"
)

type previous struct {
	value string
	set   bool
}

// Set applies vars to the process environment. The returned restore function
// puts back every variable exactly as it was, unsetting the ones that were
// absent. Scopes may be nested; restore them in reverse order.
// On error nothing is left modified.
func Set(vars map[string]string) (restore func(), err error) {
	saved := make(map[string]previous, len(vars))
	restore = func() {
		for k, p := range saved {
			if p.set {
				os.Setenv(k, p.value)
			} else {
				os.Unsetenv(k)
			}
		}
	}
	for _, k := range sortedKeys(vars) {
		v, ok := os.LookupEnv(k)
		saved[k] = previous{value: v, set: ok}
		if err := os.Setenv(k, vars[k]); err != nil {
			restore()
			return nil, fmt.Errorf("failed to set %q: %w", k, err)
		}
	}
	return restore, nil
}

// PrintEnvInfo prints the command followed by the variables it runs with.
func PrintEnvInfo(w io.Writer, cmd string, vars map[string]string) {
	fmt.Fprintf(w, "env for command: %s\n", cmd)
	for _, k := range sortedKeys(vars) {
		fmt.Fprintf(w, "  %s=%s\n", k, vars[k])
	}
}

func sortedKeys(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
