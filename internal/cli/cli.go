// Package cli implements the albert-squad command line.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/hlml/albert-squad/internal/awssdk"
	"github.com/hlml/albert-squad/internal/launcher"
	"github.com/hlml/albert-squad/internal/metrics"
	"github.com/hlml/albert-squad/internal/outputdir"
	"github.com/hlml/albert-squad/pkg/logutil"
	"github.com/hlml/albert-squad/version"
	"github.com/spf13/pflag"
	"github.com/urfave/sflags/gen/gpflag"
	"go.uber.org/zap"
	"k8s.io/klog/v2"
)

const usage = `albert-squad [flags]
  Fine-tune a pretrained ALBERT model on SQuAD v1.1 with run_squad_v1.py.

albert-squad prepare-output-dir <dir> <batch-size> <max-seq-length>
  Create <dir> and drop cached feature files recorded for a different
  batch size or sequence length. Run on every node of a multi-node run.

Flags:
`

// Main runs the command line and exits on failure.
func Main() {
	klog.InitFlags(nil)
	if err := Execute(context.Background(), os.Args[1:], flag.CommandLine, os.Stdout); err != nil {
		klog.Fatalf("%v", err)
	}
}

// Execute parses args and runs the launcher or one of its subcommands.
// goFlags are added to the flag set, typically the klog flags.
func Execute(ctx context.Context, args []string, goFlags *flag.FlagSet, stdout io.Writer) error {
	opts, fs, err := ParseOptions(args, goFlags)
	if err == pflag.ErrHelp {
		return nil
	}
	if err != nil {
		return err
	}
	if VersionRequested(fs) {
		fmt.Fprintln(stdout, version.String())
		return nil
	}

	rest := fs.Args()
	if len(rest) > 0 {
		if rest[0] != launcher.PrepareOutputDirCommand {
			return fmt.Errorf("unknown command %q", rest[0])
		}
		return prepareOutputDir(rest[1:])
	}

	if err := opts.Validate(); err != nil {
		return err
	}
	lg, err := logutil.NewLogger(opts.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()

	l, err := NewLauncher(ctx, opts, lg)
	if err != nil {
		return err
	}
	l.Stdout = stdout
	klog.Infof("%s, config: %+v", version.String(), opts)
	return l.Run(ctx)
}

// VersionRequested reports whether --version was passed.
func VersionRequested(fs *pflag.FlagSet) bool {
	v, _ := fs.GetBool("version")
	return v
}

// NewLauncher returns a launcher for opts that emits its run metrics to
// CloudWatch when opts.EmitMetrics is set.
func NewLauncher(ctx context.Context, opts launcher.Options, lg *zap.Logger) (*launcher.Launcher, error) {
	l := launcher.New(opts, lg)
	if opts.EmitMetrics {
		cfg, err := awssdk.NewConfig(ctx, opts.Region)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		l.Metrics = metrics.NewCloudWatchRegistry(cloudwatch.NewFromConfig(cfg))
	}
	return l, nil
}

// ParseOptions parses args over the default options. Values from a --config
// file replace the defaults and explicit flags take precedence over both.
func ParseOptions(args []string, goFlags *flag.FlagSet) (launcher.Options, *pflag.FlagSet, error) {
	opts := launcher.DefaultOptions()
	fs, err := bindFlags(&opts, goFlags)
	if err != nil {
		return opts, nil, err
	}
	if err := fs.Parse(args); err != nil {
		return opts, fs, err
	}
	if opts.ConfigPath == "" {
		return opts, fs, nil
	}

	path := opts.ConfigPath
	opts = launcher.DefaultOptions()
	if err := opts.LoadFile(path); err != nil {
		return opts, nil, err
	}
	fs, err = bindFlags(&opts, goFlags)
	if err != nil {
		return opts, nil, err
	}
	if err := fs.Parse(args); err != nil {
		return opts, fs, err
	}
	return opts, fs, nil
}

func bindFlags(opts *launcher.Options, goFlags *flag.FlagSet) (*pflag.FlagSet, error) {
	fs, err := gpflag.Parse(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	fs.Init("albert-squad", pflag.ContinueOnError)
	fs.StringToStringVar(&opts.Env, "env", opts.Env, "Extra environment variables for the run as comma separated key=value pairs")
	fs.Bool("version", false, "Print the version and exit")
	if goFlags != nil {
		fs.AddGoFlagSet(goFlags)
	}
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	return fs, nil
}

func prepareOutputDir(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("%s takes <dir> <batch-size> <max-seq-length>, got %d arguments", launcher.PrepareOutputDirCommand, len(args))
	}
	batchSize, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid batch size %q: %w", args[1], err)
	}
	maxSeqLen, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid max sequence length %q: %w", args[2], err)
	}
	dir, err := outputdir.Prepare(args[0], batchSize, maxSeqLen)
	if err != nil {
		return err
	}
	klog.Infof("prepared output dir %s", dir)
	return nil
}
