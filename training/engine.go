package training

import (
	"context"
	"fmt"

	"github.com/zebrajack/SATNet/model"
)

// EngineState configures a training engine. JSON names match the keys stored
// in released training states.
type EngineState struct {
	BatchSize     int    `json:"batch_size"`
	Workers       int    `json:"workers"`
	StartEpoch    int    `json:"start_epoch"`
	MaxEpochs     int    `json:"max_epochs"`
	Evaluate      bool   `json:"evaluate"`
	Resume        string `json:"resume"`
	UseGPU        bool   `json:"use_gpu"`
	SaveIter      int    `json:"save_iter"`
	PrintFreq     int    `json:"print_freq"`
	EpochStep     []int  `json:"epoch_step"`
	SaveModelPath string `json:"save_model_path"`
}

// DefaultEngineState returns the settings used to train the released model.
func DefaultEngineState() EngineState {
	return EngineState{
		BatchSize:     4,
		Workers:       4,
		MaxEpochs:     50,
		PrintFreq:     100,
		SaveModelPath: "./save_models/SATNet_SeeNetFuse",
	}
}

func (s EngineState) Validate() error {
	if s.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", s.BatchSize)
	}
	if s.StartEpoch < 0 || s.MaxEpochs < s.StartEpoch {
		return fmt.Errorf("epochs must satisfy 0 <= start_epoch (%d) <= max_epochs (%d)", s.StartEpoch, s.MaxEpochs)
	}
	if s.PrintFreq < 0 || s.SaveIter < 0 || s.Workers < 0 {
		return fmt.Errorf("print_freq, save_iter and workers must be non-negative")
	}
	for _, e := range s.EpochStep {
		if e < 0 {
			return fmt.Errorf("epoch_step entries must be non-negative, got %d", e)
		}
	}
	return nil
}

// Engine drives learning: it iterates epochs over train, runs forward and
// backward passes, steps the optimizer, evaluates on val and persists
// checkpoints. Implementations attach gradients with tensor.SetGrad before
// calling Optimizer.Step.
type Engine interface {
	Learning(ctx context.Context, m *model.SATNet, criterion Loss, train, val Dataset, opt Optimizer) error
}
