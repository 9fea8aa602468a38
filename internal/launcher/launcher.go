// Package launcher runs ALBERT fine-tuning on SQuAD by delegating to the
// external training script, locally or across the nodes of a multi-node run.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/hlml/albert-squad/internal/envscope"
	"github.com/hlml/albert-squad/internal/metrics"
	"github.com/hlml/albert-squad/internal/multinode"
	"github.com/hlml/albert-squad/internal/outputdir"
	"github.com/hlml/albert-squad/internal/util"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"k8s.io/klog/v2"
)

// Name identifies the launcher in errors and logs.
const Name = "AlbertFinetuningSQUAD"

// PrepareOutputDirCommand is the subcommand run on every node of a
// multi-node run to prepare the output directory there.
const PrepareOutputDirCommand = "prepare-output-dir"

// Variables forwarded to the nodes when preparing output directories.
var nodeEnvNames = []string{multinode.NodesEnv, "PYTHONPATH"}

// Launcher prepares and runs one fine-tuning run.
type Launcher struct {
	Options

	Dispatcher *multinode.Dispatcher
	Metrics    metrics.MetricRegistry

	Stdout io.Writer
	Stderr io.Writer

	// SelfPath is the binary invoked on the nodes for PrepareOutputDirCommand.
	SelfPath string

	command string
}

// New returns a launcher for opts. Node dispatch logs to lg.
func New(opts Options, lg *zap.Logger) *Launcher {
	if lg == nil {
		lg = zap.NewNop()
	}
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	return &Launcher{
		Options: opts,
		Dispatcher: &multinode.Dispatcher{
			Logger:      lg,
			SSHPort:     opts.SSHPort,
			SSHUser:     opts.SSHUser,
			SSHKeyPath:  opts.SSHKeyPath,
			MaxParallel: opts.MaxParallelNodes,
		},
		Metrics:  metrics.NewLogRegistry(),
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		SelfPath: self,
	}
}

func wrapPhase(err error, phase string) error {
	return errors.Wrapf(err, "error in %s %s()", Name, phase)
}

// PrepareOutputDir prepares the output directory on every node of a
// multi-node run, or locally otherwise.
func (l *Launcher) PrepareOutputDir(ctx context.Context) error {
	var err error
	if l.MultiNode() {
		cmd := shellquote.Join(
			l.SelfPath, PrepareOutputDirCommand,
			l.OutputDir, strconv.Itoa(l.BatchSize), strconv.Itoa(l.MaxSeqLength),
		)
		klog.Infof("preparing output dir on nodes %v", multinode.Nodes())
		err = l.Dispatcher.RunPerIP(ctx, cmd, nodeEnvNames)
	} else {
		var dir string
		dir, err = outputdir.Prepare(l.OutputDir, l.BatchSize, l.MaxSeqLength)
		if err == nil {
			klog.Infof("prepared output dir %s", dir)
		}
	}
	if err != nil {
		return wrapPhase(err, "PrepareOutputDir")
	}
	return nil
}

// Run prepares the output directories, builds the command and runs it with
// the run's environment applied, waiting for the training script to exit.
func (l *Launcher) Run(ctx context.Context) error {
	if err := l.run(ctx); err != nil {
		return wrapPhase(err, "Run")
	}
	return nil
}

func (l *Launcher) run(ctx context.Context) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if err := l.Config.Prepare(ctx, l.Dispatcher); err != nil {
		return err
	}
	if err := l.PrepareOutputDir(ctx); err != nil {
		return err
	}
	klog.Info("*** Running ALBERT training...")

	runVars := l.Config.EnvVars()
	restoreRun, err := envscope.Set(runVars)
	if err != nil {
		return err
	}
	defer restoreRun()
	restoreSQuAD, err := envscope.Set(l.Env)
	if err != nil {
		return err
	}
	defer restoreSQuAD()

	if err := l.BuildCommand(); err != nil {
		return err
	}
	envscope.PrintEnvInfo(l.Stdout, l.command, runVars)
	if len(l.Env) > 0 {
		envscope.PrintEnvInfo(l.Stdout, l.command, l.Env)
	}
	klog.Infof("%s command: %s", Name, l.command)

	if l.DryRun {
		klog.Info("dry run, not starting the training script")
		return nil
	}
	script, err := util.CanonicalPath(l.ScriptPath)
	if err != nil {
		return err
	}
	if _, err := util.LookPath(script); err != nil {
		return fmt.Errorf("training script %s: %w", script, err)
	}

	start := time.Now()
	exitCode, runErr := l.execute(ctx)
	l.recordMetrics(time.Since(start), exitCode)
	return runErr
}

func (l *Launcher) recordMetrics(elapsed time.Duration, exitCode int) {
	dims := map[string]string{
		"hls_type":       l.HLSType,
		"scaleout":       strconv.FormatBool(l.Scaleout),
		"batch_size":     strconv.Itoa(l.BatchSize),
		"max_seq_length": strconv.Itoa(l.MaxSeqLength),
	}
	succeeded := 0.0
	if exitCode == 0 {
		succeeded = 1
	}
	l.Metrics.Record(metrics.RunDurationSeconds, elapsed.Seconds(), dims)
	l.Metrics.Record(metrics.RunExitCode, float64(exitCode), dims)
	l.Metrics.Record(metrics.RunSucceeded, succeeded, dims)
	if err := l.Metrics.Emit(); err != nil {
		klog.Warningf("failed to emit metrics: %v", err)
	}
}
