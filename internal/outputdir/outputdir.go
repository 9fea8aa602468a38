// Package outputdir prepares the SQuAD output directory of a fine-tuning run.
package outputdir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hlml/albert-squad/internal/util"
	"k8s.io/klog/v2"
)

// Feature files written by the training script. They depend on the batch
// size and the max sequence length and are reused across runs only when
// both match.
const (
	TrainFeatureFile       = "train_feature_file.tf_record"
	PredictFeatureFile     = "predict_feature_file.tf_record"
	PredictFeatureLeftFile = "predict_feature_left_file.tf_record"

	markerFile = "last_config.json"
)

var FeatureFiles = []string{TrainFeatureFile, PredictFeatureFile, PredictFeatureLeftFile}

type lastConfig struct {
	BatchSize    int `json:"batch_size"`
	MaxSeqLength int `json:"max_seq_length"`
}

// Prepare creates dir if needed and drops cached feature files produced with
// a different batch size or max sequence length. It returns the canonical
// directory path.
func Prepare(dir string, batchSize, maxSeqLen int) (string, error) {
	if batchSize <= 0 || maxSeqLen <= 0 {
		return "", fmt.Errorf("batch size and max sequence length must be positive, got %d and %d", batchSize, maxSeqLen)
	}
	out, err := util.CanonicalPath(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve output dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(out, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	want := lastConfig{BatchSize: batchSize, MaxSeqLength: maxSeqLen}
	got, err := readMarker(out)
	if err != nil {
		klog.Warningf("ignoring unreadable %s in %s: %v", markerFile, out, err)
	}
	if got != nil && *got == want {
		klog.V(2).Infof("reusing feature files in %s (batch size %d, max seq length %d)", out, batchSize, maxSeqLen)
		return out, nil
	}

	for _, name := range FeatureFiles {
		p := filepath.Join(out, name)
		if err := os.Remove(p); err == nil {
			klog.Infof("removed stale feature file %s", p)
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	if err := writeMarker(out, want); err != nil {
		return "", err
	}
	return out, nil
}

func readMarker(dir string) (*lastConfig, error) {
	b, err := os.ReadFile(filepath.Join(dir, markerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var c lastConfig
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func writeMarker(dir string, c lastConfig) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, markerFile), b, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", markerFile, err)
	}
	return nil
}
