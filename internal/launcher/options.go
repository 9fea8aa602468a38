package launcher

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hlml/albert-squad/internal/hwconfig"
	"github.com/hlml/albert-squad/internal/util"
	"github.com/hlml/albert-squad/pkg/logutil"
	"sigs.k8s.io/yaml"
)

const logName = "demo_albert_log"

// Options configures a fine-tuning run.
type Options struct {
	hwconfig.Config

	DatasetPath           string  `flag:"dataset-path" json:"datasetPath" desc:"Directory holding train-v1.1.json and dev-v1.1.json. Defaults to the data directory next to the binary."`
	OutputDir             string  `flag:"output-dir" json:"outputDir" desc:"Directory for feature files, checkpoints and predictions"`
	PretrainedModel       string  `flag:"pretrained-model" json:"pretrainedModel" desc:"Directory of the pretrained ALBERT model (vocab, sentencepiece model, config, checkpoint)"`
	LearningRate          float64 `flag:"learning-rate" json:"learningRate" desc:"Initial learning rate"`
	Epochs                float64 `flag:"epochs" json:"epochs" desc:"Number of training epochs"`
	BatchSize             int     `flag:"batch-size" json:"batchSize" desc:"Training batch size per worker"`
	MaxSeqLength          int     `flag:"max-seq-length" json:"maxSeqLength" desc:"Maximum total input sequence length after tokenization"`
	DocStride             int     `flag:"doc-stride" json:"docStride" desc:"Stride between chunks when splitting long documents"`
	EnableScopedAllocator bool    `flag:"enable-scoped-allocator" json:"enableScopedAllocator" desc:"Enable the scoped allocator optimization in the training script"`
	ScriptPath            string  `flag:"script" json:"script" desc:"Training script to run. Defaults to run_squad_v1.py next to the binary."`
	Python                string  `flag:"python" json:"python" desc:"Python interpreter used to run the training script"`

	// Env holds extra variables set for the duration of the run. It is bound
	// to --env by hand since gpflag cannot parse maps.
	Env map[string]string `flag:"-" json:"env,omitempty"`

	SSHUser    string `flag:"ssh-user" json:"sshUser" desc:"User for SSH connections to worker nodes. Defaults to the current user."`
	SSHKeyPath string `flag:"ssh-key" json:"sshKey" desc:"Private key for SSH connections to worker nodes. Defaults to ~/.ssh/id_rsa."`

	MaxParallelNodes int `flag:"max-parallel-nodes" json:"maxParallelNodes" desc:"Number of worker nodes prepared at once. 0 means all of them."`

	LogLevel    string `flag:"log-level" json:"logLevel" desc:"Level of the node dispatch logger (debug, info, warn, error)"`
	DryRun      bool   `flag:"dry-run" json:"dryRun" desc:"Prepare directories and print the command without running it"`
	EmitMetrics bool   `flag:"emit-metrics" json:"emitMetrics" desc:"Record and emit run metrics to CloudWatch"`
	Region      string `flag:"region" json:"region" desc:"AWS region for CloudWatch metrics"`

	ConfigPath string `flag:"config" json:"-" desc:"YAML file with default values for these flags. Explicit flags take precedence."`
}

// DefaultOptions returns the options of a single worker run.
func DefaultOptions() Options {
	dir := util.ExecutableDir()
	return Options{
		Config:          hwconfig.Default(logName),
		DatasetPath:     filepath.Join(dir, "data"),
		OutputDir:       "$HOME/tmp/squad_albert",
		PretrainedModel: "$HOME/albert_base_2",
		LearningRate:    5e-5,
		Epochs:          2,
		BatchSize:       24,
		MaxSeqLength:    384,
		DocStride:       128,
		ScriptPath:      filepath.Join(dir, "run_squad_v1.py"),
		Python:          "python3",
		LogLevel:        logutil.DefaultLogLevel,
	}
}

// LoadFile overlays the YAML file at path onto o.
func (o *Options) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(b, o); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// Validate checks the options before a run.
func (o *Options) Validate() error {
	if err := o.Config.Validate(); err != nil {
		return err
	}
	if o.OutputDir == "" {
		return fmt.Errorf("--output-dir is required")
	}
	if o.PretrainedModel == "" {
		return fmt.Errorf("--pretrained-model is required")
	}
	if o.BatchSize <= 0 {
		return fmt.Errorf("--batch-size must be positive, got %d", o.BatchSize)
	}
	if o.MaxSeqLength <= 0 {
		return fmt.Errorf("--max-seq-length must be positive, got %d", o.MaxSeqLength)
	}
	if o.DocStride <= 0 || o.DocStride >= o.MaxSeqLength {
		return fmt.Errorf("--doc-stride must be in (0, %d), got %d", o.MaxSeqLength, o.DocStride)
	}
	if o.Epochs <= 0 {
		return fmt.Errorf("--epochs must be positive, got %v", o.Epochs)
	}
	if o.LearningRate <= 0 {
		return fmt.Errorf("--learning-rate must be positive, got %v", o.LearningRate)
	}
	if o.Python == "" {
		return fmt.Errorf("--python is required")
	}
	if o.MaxParallelNodes < 0 {
		return fmt.Errorf("--max-parallel-nodes must not be negative, got %d", o.MaxParallelNodes)
	}
	if _, err := logutil.ConvertToZapLevel(o.LogLevel); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	return nil
}
