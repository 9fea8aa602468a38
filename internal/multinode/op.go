package multinode

// Op represents a per-node run operation.
type Op struct {
	verbose bool
	workDir string
	envs    map[string]string
}

// OpOption configures per-node run operations.
type OpOption func(*Op)

// WithVerbose logs the output of every node, not only of the failing ones.
func WithVerbose(b bool) OpOption {
	return func(op *Op) { op.verbose = b }
}

// WithWorkDir runs the command from dir on every node.
// Defaults to the local working directory.
func WithWorkDir(dir string) OpOption {
	return func(op *Op) { op.workDir = dir }
}

// WithEnv adds an environment variable exported in front of the command.
// It overwrites a value picked up from the local environment.
func WithEnv(k, v string) OpOption {
	return func(op *Op) { op.envs[k] = v }
}

func (op *Op) applyOpts(opts []OpOption) {
	for _, opt := range opts {
		opt(op)
	}
}
