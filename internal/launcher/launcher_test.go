package launcher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hlml/albert-squad/internal/hwconfig"
	"github.com/hlml/albert-squad/internal/metrics"
	"github.com/hlml/albert-squad/internal/multinode"
	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePython prints the variables the run sets and its arguments, then
// exits with $FAKE_EXIT.
const fakePython = `#!/bin/bash
echo "HLS_TYPE=$HLS_TYPE"
echo "SQUAD_EXTRA=$SQUAD_EXTRA"
echo "ARGS $*"
if [ -n "$FAKE_SLEEP" ]; then sleep "$FAKE_SLEEP"; fi
exit ${FAKE_EXIT:-0}
`

type recordingRegistry struct {
	mu     sync.Mutex
	values map[string]float64
	emits  int
}

func (r *recordingRegistry) Record(spec *metrics.MetricSpec, value float64, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values == nil {
		r.values = make(map[string]float64)
	}
	r.values[spec.Metric] = value
}

func (r *recordingRegistry) Emit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emits++
	return nil
}

func resolved(t *testing.T, p string) string {
	t.Helper()
	r, err := filepath.EvalSymlinks(p)
	require.NoError(t, err)
	return r
}

func testOptions(t *testing.T) Options {
	t.Helper()
	t.Setenv(multinode.NodesEnv, "")
	t.Setenv(hwconfig.HostfileEnv, "")
	root := resolved(t, t.TempDir())

	opts := DefaultOptions()
	opts.LogDir = filepath.Join(root, "log")
	opts.DatasetPath = filepath.Join(root, "data")
	opts.OutputDir = filepath.Join(root, "out")
	opts.PretrainedModel = filepath.Join(root, "albert_base_2")
	opts.ScriptPath = filepath.Join(root, "run_squad_v1.py")
	require.NoError(t, os.WriteFile(opts.ScriptPath, []byte("# training script\n"), 0644))

	python := filepath.Join(root, "python3")
	require.NoError(t, os.WriteFile(python, []byte(fakePython), 0755))
	opts.Python = python
	return opts
}

func newTestLauncher(opts Options) (*Launcher, *bytes.Buffer, *recordingRegistry) {
	l := New(opts, nil)
	var out bytes.Buffer
	l.Stdout = &out
	l.Stderr = &out
	reg := &recordingRegistry{}
	l.Metrics = reg
	return l, &out, reg
}

func TestBuildCommand(t *testing.T) {
	opts := testOptions(t)
	opts.Python = "python3"
	l, _, _ := newTestLauncher(opts)
	require.NoError(t, l.BuildCommand())

	words, err := shellquote.Split(l.Command())
	require.NoError(t, err)

	out := opts.OutputDir
	model := opts.PretrainedModel
	data := opts.DatasetPath
	assert.Equal(t, []string{
		"time", "python3", opts.ScriptPath,
		"--train_feature_file=" + out + "/train_feature_file.tf_record",
		"--predict_feature_file=" + out + "/predict_feature_file.tf_record",
		"--predict_feature_left_file=" + out + "/predict_feature_left_file.tf_record",
		"--spm_model_file=" + model + "/30k-clean.model",
		"--vocab_file=" + model + "/30k-clean.vocab",
		"--albert_config_file=" + model + "/albert_config.json",
		"--init_checkpoint=" + model + "/model.ckpt-best",
		"--do_train=True",
		"--train_file=" + data + "/train-v1.1.json",
		"--do_predict=True",
		"--predict_file=" + data + "/dev-v1.1.json",
		"--train_batch_size=24",
		"--learning_rate=5e-05",
		"--num_train_epochs=2",
		"--max_seq_length=384",
		"--doc_stride=128",
		"--output_dir=" + out,
		"--use_horovod=false",
		"--enable_scoped_allocator=false",
	}, words)
}

func TestBuildCommandScaleout(t *testing.T) {
	opts := testOptions(t)
	opts.Scaleout = true
	opts.EnableScopedAllocator = true
	l, _, _ := newTestLauncher(opts)
	require.NoError(t, l.BuildCommand())

	words, err := shellquote.Split(l.Command())
	require.NoError(t, err)
	assert.Equal(t, "time", words[0])
	assert.Equal(t, "mpirun", words[1])
	assert.Contains(t, words, "-np")
	assert.Contains(t, words, "--use_horovod=true")
	assert.Equal(t, "--enable_scoped_allocator=true", words[len(words)-1])
}

func TestBuildCommandMultiNodeForwardsEnv(t *testing.T) {
	opts := testOptions(t)
	t.Setenv(multinode.NodesEnv, "10.0.0.1,10.0.0.2")
	t.Setenv("PYTHONPATH", "/opt/models")
	opts.Scaleout = true
	opts.Env = map[string]string{"TF_CPP_MIN_LOG_LEVEL": "2"}
	l, _, _ := newTestLauncher(opts)
	require.NoError(t, l.BuildCommand())

	words, err := shellquote.Split(l.Command())
	require.NoError(t, err)
	var exported []string
	for i, w := range words {
		if w == "-x" && i+1 < len(words) {
			exported = append(exported, words[i+1])
		}
	}
	assert.Equal(t, []string{
		"HCL_CONFIG_PATH", "HLS_TYPE", "LOG_DIR", "MULTI_HLS_IPS",
		"NUM_WORKERS_PER_HLS", "PYTHONPATH", "TF_CPP_MIN_LOG_LEVEL",
	}, exported)
}

func TestNewSetsMaxParallelNodes(t *testing.T) {
	opts := testOptions(t)
	opts.MaxParallelNodes = 3
	l, _, _ := newTestLauncher(opts)
	assert.Equal(t, 3, l.Dispatcher.MaxParallel)
}

func TestBuildCommandQuotesPaths(t *testing.T) {
	opts := testOptions(t)
	opts.OutputDir = filepath.Join(filepath.Dir(opts.OutputDir), "squad out")
	l, _, _ := newTestLauncher(opts)
	require.NoError(t, l.BuildCommand())

	words, err := shellquote.Split(l.Command())
	require.NoError(t, err)
	assert.Contains(t, words, "--output_dir="+opts.OutputDir)
}

func TestBuildCommandErrorIsWrapped(t *testing.T) {
	opts := testOptions(t)
	opts.PretrainedModel = ""
	l, _, _ := newTestLauncher(opts)
	err := l.BuildCommand()
	assert.ErrorContains(t, err, "error in AlbertFinetuningSQUAD BuildCommand()")
	assert.Empty(t, l.Command())
}

func TestPrepareOutputDirLocal(t *testing.T) {
	opts := testOptions(t)
	opts.Scaleout = true
	l, _, _ := newTestLauncher(opts)
	require.NoError(t, l.PrepareOutputDir(context.Background()))
	assert.DirExists(t, opts.OutputDir)
}

func TestPrepareOutputDirError(t *testing.T) {
	opts := testOptions(t)
	blocker := filepath.Join(filepath.Dir(opts.OutputDir), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	opts.OutputDir = filepath.Join(blocker, "out")
	l, _, _ := newTestLauncher(opts)

	err := l.PrepareOutputDir(context.Background())
	assert.ErrorContains(t, err, "error in AlbertFinetuningSQUAD PrepareOutputDir()")
}

type captureRunner struct {
	mu   *sync.Mutex
	cmds map[string]string
	addr string
}

func (c captureRunner) Run(_ context.Context, cmd string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmds[c.addr] = cmd
	return nil, nil
}

func (captureRunner) Close() {}

func TestPrepareOutputDirMultiNode(t *testing.T) {
	opts := testOptions(t)
	t.Setenv(multinode.NodesEnv, "10.0.0.1,10.0.0.2")
	t.Setenv("PYTHONPATH", "/opt/models")
	opts.Scaleout = true
	l, _, _ := newTestLauncher(opts)
	l.SelfPath = "/usr/local/bin/albert-squad"

	cmds := make(map[string]string)
	mu := &sync.Mutex{}
	l.Dispatcher.Dial = func(_ context.Context, addr string) (multinode.Runner, error) {
		return captureRunner{mu: mu, cmds: cmds, addr: addr}, nil
	}
	require.NoError(t, l.PrepareOutputDir(context.Background()))

	require.Len(t, cmds, 2)
	for _, cmd := range cmds {
		assert.Contains(t, cmd, "MULTI_HLS_IPS=10.0.0.1,10.0.0.2 PYTHONPATH=/opt/models")
		assert.True(t, strings.HasSuffix(cmd, "/usr/local/bin/albert-squad prepare-output-dir "+opts.OutputDir+" 24 384"), cmd)
	}
	assert.NoDirExists(t, opts.OutputDir, "multi-node runs prepare the directory on the nodes")
}

func TestPrepareOutputDirKubernetesIsLocal(t *testing.T) {
	opts := testOptions(t)
	t.Setenv(multinode.NodesEnv, "10.0.0.1,10.0.0.2")
	opts.Scaleout = true
	opts.KubernetesRun = true
	l, _, _ := newTestLauncher(opts)
	l.Dispatcher.Dial = func(context.Context, string) (multinode.Runner, error) {
		t.Fatal("kubernetes runs must not dispatch to nodes")
		return nil, nil
	}
	require.NoError(t, l.PrepareOutputDir(context.Background()))
	assert.DirExists(t, opts.OutputDir)
}

func TestRun(t *testing.T) {
	opts := testOptions(t)
	opts.Env = map[string]string{"SQUAD_EXTRA": "1"}
	t.Setenv("HLS_TYPE", "outer")
	l, out, reg := newTestLauncher(opts)

	require.NoError(t, l.Run(context.Background()))

	assert.Contains(t, out.String(), "HLS_TYPE=HLS1")
	assert.Contains(t, out.String(), "SQUAD_EXTRA=1")
	assert.Contains(t, out.String(), "--do_train=True")
	assert.Contains(t, out.String(), "env for command: time ")
	assert.Equal(t, "outer", os.Getenv("HLS_TYPE"))
	_, ok := os.LookupEnv("SQUAD_EXTRA")
	assert.False(t, ok)

	assert.Equal(t, 1, reg.emits)
	assert.Equal(t, float64(0), reg.values["RunExitCode"])
	assert.Equal(t, float64(1), reg.values["RunSucceeded"])
	assert.DirExists(t, opts.OutputDir)
	assert.DirExists(t, opts.LogDir)
}

func TestRunNonZeroExit(t *testing.T) {
	opts := testOptions(t)
	opts.Env = map[string]string{"FAKE_EXIT": "3"}
	l, _, reg := newTestLauncher(opts)

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error in AlbertFinetuningSQUAD Run()")
	assert.Contains(t, err.Error(), "exited with status 3")
	assert.Equal(t, float64(3), reg.values["RunExitCode"])
	assert.Equal(t, float64(0), reg.values["RunSucceeded"])
}

func TestRunDryRun(t *testing.T) {
	opts := testOptions(t)
	opts.DryRun = true
	l, out, reg := newTestLauncher(opts)

	require.NoError(t, l.Run(context.Background()))
	assert.NotEmpty(t, l.Command())
	assert.NotContains(t, out.String(), "ARGS ")
	assert.Equal(t, 0, reg.emits)
}

func TestRunMissingScript(t *testing.T) {
	opts := testOptions(t)
	require.NoError(t, os.Remove(opts.ScriptPath))
	l, _, _ := newTestLauncher(opts)

	err := l.Run(context.Background())
	assert.ErrorContains(t, err, "training script")
}

func TestRunInvalidOptions(t *testing.T) {
	opts := testOptions(t)
	opts.DocStride = 1000
	l, _, _ := newTestLauncher(opts)

	err := l.Run(context.Background())
	assert.ErrorContains(t, err, "--doc-stride")
	assert.Empty(t, l.Command(), "the command is never built from invalid options")
}

func TestRunCancel(t *testing.T) {
	opts := testOptions(t)
	opts.Env = map[string]string{"FAKE_SLEEP": "30"}
	l, _, _ := newTestLauncher(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := l.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 15*time.Second)
}
