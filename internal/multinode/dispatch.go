package multinode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSSHPort is the port the worker nodes run sshd on.
const DefaultSSHPort = 3022

// Runner runs shell commands on one node.
type Runner interface {
	// Run runs the command and returns its combined output.
	Run(ctx context.Context, cmd string) ([]byte, error)
	// Close releases the connection to the node.
	Close()
}

// DialFunc opens a Runner to addr.
type DialFunc func(ctx context.Context, addr string) (Runner, error)

// Dispatcher runs one command on every configured node.
type Dispatcher struct {
	Logger *zap.Logger

	SSHPort    int
	SSHUser    string
	SSHKeyPath string

	// Dial overrides how nodes are reached. By default loopback addresses
	// run through the local shell and everything else over SSH.
	Dial DialFunc

	// Nodes overrides the node list read from $MULTI_HLS_IPS.
	Nodes []string

	// MaxParallel bounds the number of nodes contacted at once; 0 means all.
	MaxParallel int
}

// NodeError is returned for each node whose command failed.
type NodeError struct {
	Addr   string
	Output string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Addr, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// RunPerIP runs cmd on every node in parallel and waits for all of them.
// The local values of envNames are exported in front of the command; unset
// names are skipped. The errors of all failing nodes are joined.
func (d *Dispatcher) RunPerIP(ctx context.Context, cmd string, envNames []string, opts ...OpOption) error {
	lg := d.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	nodes := d.Nodes
	if nodes == nil {
		nodes = Nodes()
	}
	if len(nodes) == 0 {
		return fmt.Errorf("no nodes configured in $%s", NodesEnv)
	}

	op := &Op{envs: make(map[string]string)}
	for _, name := range envNames {
		if v, ok := os.LookupEnv(name); ok {
			op.envs[name] = v
		}
	}
	op.applyOpts(opts)
	if op.workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		op.workDir = wd
	}
	remoteCmd := composeCommand(op.workDir, op.envs, cmd)

	dial := d.Dial
	if dial == nil {
		dial = d.dial
	}

	start := time.Now()
	var mu sync.Mutex
	var errs []error
	var g errgroup.Group
	if d.MaxParallel > 0 {
		g.SetLimit(d.MaxParallel)
	}
	for _, addr := range nodes {
		g.Go(func() error {
			// every node runs to completion so all failures are reported
			if err := d.runOne(ctx, lg, dial, addr, remoteCmd, op.verbose); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	lg.Info("ran command on nodes",
		zap.Int("nodes", len(nodes)),
		zap.Int("failed", len(errs)),
		zap.String("started", humanize.RelTime(start, time.Now(), "ago", "from now")),
	)
	if len(errs) == 0 {
		return nil
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

func (d *Dispatcher) runOne(ctx context.Context, lg *zap.Logger, dial DialFunc, addr, cmd string, verbose bool) error {
	r, err := dial(ctx, addr)
	if err != nil {
		return &NodeError{Addr: addr, Err: fmt.Errorf("failed to connect: %w", err)}
	}
	defer r.Close()

	out, err := r.Run(ctx, cmd)
	if err != nil {
		lg.Warn("command failed", zap.String("node", addr), zap.String("output", string(out)), zap.Error(err))
		return &NodeError{Addr: addr, Output: string(out), Err: err}
	}
	if verbose {
		lg.Info("command output", zap.String("node", addr), zap.String("output", string(out)))
	}
	return nil
}

func (d *Dispatcher) dial(ctx context.Context, addr string) (Runner, error) {
	if isLoopback(addr) {
		return &localRunner{}, nil
	}
	port := d.SSHPort
	if port == 0 {
		port = DefaultSSHPort
	}
	userName := d.SSHUser
	if userName == "" {
		userName = currentUser()
	}
	keyPath := d.SSHKeyPath
	if keyPath == "" {
		home, _ := os.UserHomeDir()
		keyPath = filepath.Join(home, ".ssh", "id_rsa")
	}
	return NewSSHRunner(ctx, SSHConfig{
		Logger:   d.Logger,
		KeyPath:  keyPath,
		Addr:     net.JoinHostPort(addr, strconv.Itoa(port)),
		UserName: userName,
	})
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "root"
}

// composeCommand prefixes cmd with a directory change and exported variables.
func composeCommand(workDir string, envs map[string]string, cmd string) string {
	var b strings.Builder
	b.WriteString("cd ")
	b.WriteString(shellquote.Join(workDir))
	b.WriteString(" &&")
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(shellquote.Join(envs[k]))
	}
	b.WriteString(" ")
	b.WriteString(cmd)
	return b.String()
}

type localRunner struct{}

func (localRunner) Run(ctx context.Context, cmd string) ([]byte, error) {
	var buf bytes.Buffer
	c := exec.CommandContext(ctx, "/bin/bash", "-c", cmd)
	c.Stdout = &buf
	c.Stderr = &buf
	err := c.Run()
	return buf.Bytes(), err
}

func (localRunner) Close() {}
