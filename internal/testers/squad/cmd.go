// Package squad implements a kubetest2 tester that runs the ALBERT SQuAD
// fine-tuning launcher and keeps its output with the run artifacts.
package squad

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hlml/albert-squad/internal/cli"
	"github.com/hlml/albert-squad/internal/launcher"
	"github.com/hlml/albert-squad/pkg/logutil"
	"github.com/hlml/albert-squad/version"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
	"sigs.k8s.io/kubetest2/pkg/artifacts"
	"sigs.k8s.io/kubetest2/pkg/testers"
)

const TesterName = "albert-squad"

// LogFileName is written under the artifacts directory.
const LogFileName = "albert-squad.log"

const usage = `kubetest2 --test=albert-squad -- [LauncherFlags]

  LauncherFlags: flags of the albert-squad launcher, see albert-squad --help

The training output is copied to $ARTIFACTS/albert-squad.log and, unless
--output-dir is set, checkpoints and predictions go to $ARTIFACTS/squad_albert.
`

func Main() {
	klog.InitFlags(nil)
	if err := execute(context.Background(), os.Args[1:], artifacts.BaseDir(), os.Stdout); err != nil {
		klog.Fatalf("failed to run %s tester: %v", TesterName, err)
	}
}

func execute(ctx context.Context, args []string, artifactsDir string, stdout io.Writer) error {
	opts, fs, err := cli.ParseOptions(expandEnv(args), flag.CommandLine)
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Fprint(stdout, usage)
		return nil
	}
	if err != nil {
		return err
	}
	if cli.VersionRequested(fs) {
		fmt.Fprintln(stdout, version.String())
		return nil
	}
	if err := testers.WriteVersionToMetadata(version.ReleaseVersion, ""); err != nil {
		return err
	}
	return run(ctx, opts, outputDirUnset(opts, fs), artifactsDir)
}

// outputDirUnset reports whether neither a flag nor the --config file chose
// the output directory.
func outputDirUnset(opts launcher.Options, fs *pflag.FlagSet) bool {
	return !fs.Changed("output-dir") && opts.OutputDir == launcher.DefaultOptions().OutputDir
}

// run starts the launcher with its output teed into the artifacts directory.
func run(ctx context.Context, opts launcher.Options, useArtifactsOutputDir bool, artifactsDir string) error {
	if err := os.MkdirAll(artifactsDir, 0755); err != nil {
		return err
	}
	if useArtifactsOutputDir {
		opts.OutputDir = filepath.Join(artifactsDir, "squad_albert")
	}
	logPath := filepath.Join(artifactsDir, LogFileName)
	tee, err := logutil.NewTee(opts.LogLevel, logPath)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer tee.Close()

	l, err := cli.NewLauncher(ctx, opts, tee.Logger)
	if err != nil {
		return err
	}
	l.Stdout = tee.Writer
	l.Stderr = tee.Writer
	klog.Infof("running %s tester, output dir %s, log %s", TesterName, opts.OutputDir, logPath)
	return l.Run(ctx)
}

func expandEnv(args []string) []string {
	expanded := make([]string, len(args))
	for i, arg := range args {
		// a literal dollar is written as \$
		if strings.Contains(arg, `\$`) {
			expanded[i] = strings.ReplaceAll(arg, `\$`, `$`)
		} else {
			expanded[i] = os.ExpandEnv(arg)
		}
	}
	return expanded
}
