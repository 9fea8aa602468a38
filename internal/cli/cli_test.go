package cli

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/hlml/albert-squad/internal/hwconfig"
	"github.com/hlml/albert-squad/internal/launcher"
	"github.com/hlml/albert-squad/internal/multinode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptionsDefaults(t *testing.T) {
	opts, fs, err := ParseOptions(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, fs.Args())
	assert.Equal(t, 24, opts.BatchSize)
	assert.Equal(t, "HLS1", opts.HLSType)
	assert.False(t, opts.Scaleout)
	assert.Empty(t, opts.Env)
}

func TestParseOptionsFlags(t *testing.T) {
	opts, _, err := ParseOptions([]string{
		"--batch-size=12",
		"--scaleout",
		"--num-workers-per-hls", "4",
		"--learning-rate=3e-5",
		"--env", "TF_CPP_MIN_LOG_LEVEL=2,HABANA_PROFILE=1",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 12, opts.BatchSize)
	assert.True(t, opts.Scaleout)
	assert.Equal(t, 4, opts.NumWorkersPerHLS)
	assert.Equal(t, 3e-5, opts.LearningRate)
	assert.Equal(t, map[string]string{"TF_CPP_MIN_LOG_LEVEL": "2", "HABANA_PROFILE": "1"}, opts.Env)
}

func TestParseOptionsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "squad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
batchSize: 12
maxSeqLength: 256
docStride: 64
env:
  FROM_FILE: "1"
`), 0644))

	opts, _, err := ParseOptions([]string{"--batch-size=8", "--config", path}, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, opts.BatchSize, "explicit flags win over the file")
	assert.Equal(t, 256, opts.MaxSeqLength)
	assert.Equal(t, 64, opts.DocStride)
	assert.Equal(t, map[string]string{"FROM_FILE": "1"}, opts.Env)
	assert.Equal(t, path, opts.ConfigPath)
	assert.Equal(t, 2.0, opts.Epochs, "keys absent from the file keep their defaults")
}

func TestParseOptionsConfigFileErrors(t *testing.T) {
	_, _, err := ParseOptions([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, nil)
	assert.ErrorContains(t, err, "reading config")
}

func TestParseOptionsGoFlags(t *testing.T) {
	gfs := flag.NewFlagSet("go", flag.ContinueOnError)
	extra := gfs.String("extra", "", "")
	_, _, err := ParseOptions([]string{"--extra=x"}, gfs)
	require.NoError(t, err)
	assert.Equal(t, "x", *extra)
}

func TestParseOptionsUnknownFlag(t *testing.T) {
	_, _, err := ParseOptions([]string{"--no-such-flag"}, nil)
	assert.Error(t, err)
}

func TestExecuteVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Execute(context.Background(), []string{"--version"}, nil, &out))
	assert.Contains(t, out.String(), "albert-squad ")
}

func TestExecutePrepareOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	var out bytes.Buffer
	require.NoError(t, Execute(context.Background(), []string{"prepare-output-dir", dir, "24", "384"}, nil, &out))
	assert.DirExists(t, dir)
}

func TestExecutePrepareOutputDirArgs(t *testing.T) {
	var out bytes.Buffer
	err := Execute(context.Background(), []string{"prepare-output-dir", t.TempDir()}, nil, &out)
	assert.ErrorContains(t, err, "takes <dir> <batch-size> <max-seq-length>")

	err = Execute(context.Background(), []string{"prepare-output-dir", t.TempDir(), "big", "384"}, nil, &out)
	assert.ErrorContains(t, err, "invalid batch size")
}

func TestExecuteUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := Execute(context.Background(), []string{"train"}, nil, &out)
	assert.ErrorContains(t, err, `unknown command "train"`)
}

func TestExecuteDryRun(t *testing.T) {
	t.Setenv(multinode.NodesEnv, "")
	t.Setenv(hwconfig.HostfileEnv, "")
	root := t.TempDir()
	var out bytes.Buffer
	err := Execute(context.Background(), []string{
		"--dry-run",
		"--log-dir", filepath.Join(root, "log"),
		"--output-dir", filepath.Join(root, "out"),
		"--pretrained-model", filepath.Join(root, "model"),
	}, nil, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "env for command: time ")
	assert.Contains(t, out.String(), "--do_train=True")
	assert.DirExists(t, filepath.Join(root, "out"))
}

func TestExecuteInvalidOptions(t *testing.T) {
	var out bytes.Buffer
	err := Execute(context.Background(), []string{"--hls-type=HLS9"}, nil, &out)
	assert.ErrorContains(t, err, "--hls-type")
}

func TestParseOptionsMaxParallelNodes(t *testing.T) {
	opts, _, err := ParseOptions([]string{"--max-parallel-nodes=4"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, opts.MaxParallelNodes)
}

func TestNewLauncherMetrics(t *testing.T) {
	l, err := NewLauncher(context.Background(), launcher.DefaultOptions(), nil)
	require.NoError(t, err)
	_, cloudwatch := l.Metrics.(interface{ GetRegistered() int })
	assert.False(t, cloudwatch, "metrics stay in the log unless --emit-metrics is set")

	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")
	opts := launcher.DefaultOptions()
	opts.EmitMetrics = true
	opts.Region = "us-west-2"
	l, err = NewLauncher(context.Background(), opts, nil)
	require.NoError(t, err)
	_, cloudwatch = l.Metrics.(interface{ GetRegistered() int })
	assert.True(t, cloudwatch)
}
