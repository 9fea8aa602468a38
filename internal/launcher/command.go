package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hlml/albert-squad/internal/outputdir"
	"github.com/hlml/albert-squad/internal/util"
	"github.com/kballard/go-shellquote"
)

// Files of the pretrained model and the SQuAD v1.1 dataset.
const (
	VocabFile        = "30k-clean.vocab"
	SPMModelFile     = "30k-clean.model"
	AlbertConfig     = "albert_config.json"
	InitCheckpoint   = "model.ckpt-best"
	SQuADTrainFile   = "train-v1.1.json"
	SQuADPredictFile = "dev-v1.1.json"
)

type scriptFlag struct {
	name  string
	value string
}

// BuildCommand assembles the shell command that runs the training script.
func (l *Launcher) BuildCommand() error {
	cmd, err := l.buildCommand()
	if err != nil {
		return wrapPhase(err, "BuildCommand")
	}
	l.command = cmd
	return nil
}

func (l *Launcher) buildCommand() (string, error) {
	model, err := util.CanonicalPath(l.PretrainedModel)
	if err != nil {
		return "", fmt.Errorf("pretrained model: %w", err)
	}
	dataset, err := util.CanonicalPath(l.DatasetPath)
	if err != nil {
		return "", fmt.Errorf("dataset path: %w", err)
	}
	out, err := util.CanonicalPath(l.OutputDir)
	if err != nil {
		return "", fmt.Errorf("output dir: %w", err)
	}
	script, err := util.CanonicalPath(l.ScriptPath)
	if err != nil {
		return "", fmt.Errorf("script: %w", err)
	}

	flags := []scriptFlag{
		{"train_feature_file", filepath.Join(out, outputdir.TrainFeatureFile)},
		{"predict_feature_file", filepath.Join(out, outputdir.PredictFeatureFile)},
		{"predict_feature_left_file", filepath.Join(out, outputdir.PredictFeatureLeftFile)},
		{"spm_model_file", filepath.Join(model, SPMModelFile)},
		{"vocab_file", filepath.Join(model, VocabFile)},
		{"albert_config_file", filepath.Join(model, AlbertConfig)},
		{"init_checkpoint", filepath.Join(model, InitCheckpoint)},
		{"do_train", "True"},
		{"train_file", filepath.Join(dataset, SQuADTrainFile)},
		{"do_predict", "True"},
		{"predict_file", filepath.Join(dataset, SQuADPredictFile)},
		{"train_batch_size", strconv.Itoa(l.BatchSize)},
		{"learning_rate", formatFloat(l.LearningRate)},
		{"num_train_epochs", formatFloat(l.Epochs)},
		{"max_seq_length", strconv.Itoa(l.MaxSeqLength)},
		{"doc_stride", strconv.Itoa(l.DocStride)},
		{"output_dir", out},
		{"use_horovod", strconv.FormatBool(l.Scaleout)},
		{"enable_scoped_allocator", strconv.FormatBool(l.EnableScopedAllocator)},
	}

	var b strings.Builder
	b.WriteString("time ")
	if mpirun := l.MPIRunCommand(l.rankEnvNames()...); mpirun != "" {
		b.WriteString(mpirun)
		b.WriteString(" ")
	}
	b.WriteString(shellquote.Join(l.Python, script))
	for _, f := range flags {
		fmt.Fprintf(&b, " --%s=%s", f.name, shellquote.Join(f.value))
	}
	return b.String(), nil
}

// rankEnvNames lists the variables, beyond the hardware ones, that mpirun
// forwards to ranks on other nodes.
func (l *Launcher) rankEnvNames() []string {
	var names []string
	if _, ok := os.LookupEnv("PYTHONPATH"); ok {
		names = append(names, "PYTHONPATH")
	}
	for k := range l.Env {
		names = append(names, k)
	}
	return names
}

// Command returns the command assembled by BuildCommand.
func (l *Launcher) Command() string {
	return l.command
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
