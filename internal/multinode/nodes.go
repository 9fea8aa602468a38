// Package multinode discovers the worker nodes of a multi-node run and runs
// commands on each of them.
package multinode

import (
	"os"
	"strings"
)

// NodesEnv lists the worker node addresses, comma separated.
const NodesEnv = "MULTI_HLS_IPS"

// Nodes returns the de-duplicated node addresses from $MULTI_HLS_IPS in the
// order they were listed.
func Nodes() []string {
	return ParseNodes(os.Getenv(NodesEnv))
}

// ParseNodes parses a comma separated address list.
func ParseNodes(s string) []string {
	var nodes []string
	seen := make(map[string]struct{})
	for _, n := range strings.Split(s, ",") {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		nodes = append(nodes, n)
	}
	return nodes
}

// IsValidConfig reports whether a multi-node run is configured.
func IsValidConfig() bool {
	return len(Nodes()) > 0
}

func isLoopback(addr string) bool {
	switch addr {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
