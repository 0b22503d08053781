package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cyclopcam/logs"

	"github.com/zebrajack/SATNet/checkpoints"
	"github.com/zebrajack/SATNet/lift"
	"github.com/zebrajack/SATNet/model"
	"github.com/zebrajack/SATNet/tensor"
	"github.com/zebrajack/SATNet/training"
)

// InferenceEngine runs SATNet forward passes and turns logits into per-voxel
// classes. Batch normalization always uses running statistics.
type InferenceEngine struct {
	model    *model.SATNet
	device   tensor.Device
	log      logs.Log
	workers  int
	progress io.Writer
}

// Prediction is the result of one forward pass.
type Prediction struct {
	Logits  *tensor.Tensor // [B, NumClasses, D0, D1, D2]
	Classes []int32        // argmax per voxel, [B * D0*D1*D2]
	Grid    [3]int
}

// Class returns the predicted class of voxel (d0, d1, d2) in sample b.
func (p *Prediction) Class(b, d0, d1, d2 int) int32 {
	voxels := lift.VoxelCount(p.Grid)
	return p.Classes[b*voxels+(d0*p.Grid[1]+d1)*p.Grid[2]+d2]
}

// Histogram counts predicted voxels per class over the whole batch.
func (p *Prediction) Histogram(numClasses int) []int {
	counts := make([]int, numClasses)
	for _, c := range p.Classes {
		if int(c) < numClasses {
			counts[c]++
		}
	}
	return counts
}

// NewInferenceEngine creates an inference-only engine for m.
func NewInferenceEngine(m *model.SATNet, log logs.Log) (*InferenceEngine, error) {
	if m == nil {
		return nil, fmt.Errorf("inference engine needs a model")
	}
	return &InferenceEngine{
		model:  m,
		device: m.Device,
		log:    log,
	}, nil
}

// SetWorkers makes Evaluate load batches on n background workers. Values
// below 2 load batches inline.
func (ie *InferenceEngine) SetWorkers(n int) {
	ie.workers = n
}

// SetProgress makes Evaluate draw a progress bar on w. nil disables it.
func (ie *InferenceEngine) SetProgress(w io.Writer) {
	ie.progress = w
}

// Model returns the wrapped network.
func (ie *InferenceEngine) Model() *model.SATNet {
	return ie.model
}

// LoadWeights restores pre-trained weights, including batch norm running
// statistics, into the engine's model.
func (ie *InferenceEngine) LoadWeights(ck *checkpoints.Checkpoint) error {
	if err := ck.Restore(ie.model); err != nil {
		return fmt.Errorf("failed to load weights: %w", err)
	}
	ie.log.Infof("Inference engine loaded %d tensors (epoch %d)", len(ck.Weights), ck.TrainingState.Epoch)
	return nil
}

// Predict performs a single forward pass. Inputs must live on the model's
// device.
func (ie *InferenceEngine) Predict(color, depth *tensor.Tensor, maps []*lift.LiftMap) (*Prediction, error) {
	if color.Device != ie.device || depth.Device != ie.device {
		return nil, fmt.Errorf("inputs on %s and %s, engine on %s: %w", color.Device, depth.Device, ie.device, tensor.ErrDeviceMismatch)
	}
	for i, lm := range maps {
		if lm != nil && lm.Device != ie.device {
			return nil, fmt.Errorf("lift map %d on %s, engine on %s: %w", i, lm.Device, ie.device, tensor.ErrDeviceMismatch)
		}
	}

	start := time.Now()
	logits, err := ie.model.Forward(color, depth, maps)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	classes, err := training.ArgmaxClasses(logits)
	if err != nil {
		return nil, err
	}
	ie.log.Debugf("Predicted %d samples in %v", len(maps), time.Since(start))
	return &Prediction{
		Logits:  logits,
		Classes: classes,
		Grid:    ie.model.Config.CoarseGrid(),
	}, nil
}

// PredictBatch runs Predict on a collated batch.
func (ie *InferenceEngine) PredictBatch(b *training.Batch) (*Prediction, error) {
	return ie.Predict(b.Color, b.Depth, b.Lift)
}

// EvaluationResult summarizes a pass over a dataset.
type EvaluationResult struct {
	Metrics  training.SSCMetrics
	Loss     float64 // mean over samples; zero without a criterion
	LossStd  float64
	Samples  int
	Batches  int
	Duration time.Duration
}

// Evaluate predicts every sample of ds in batches of batchSize and
// accumulates scene-completion metrics. criterion may be nil. ctx is
// checked between batches.
func (ie *InferenceEngine) Evaluate(ctx context.Context, ds training.Dataset, batchSize int, criterion training.Loss) (*EvaluationResult, error) {
	cm := training.NewConfusionMatrix(ie.model.Config.NumClasses)
	var losses training.LossMeter
	result := &EvaluationResult{}
	start := time.Now()

	loader := training.NewDataLoader(ds, batchSize, false, 0, ie.device)
	iterate := loader.Iterate
	if ie.workers > 1 {
		prefetch, err := training.NewPrefetchLoader(loader, ie.workers, 0)
		if err != nil {
			return nil, err
		}
		iterate = prefetch.Iterate
	}
	var bar *training.ProgressBar
	if ie.progress != nil {
		bar = training.NewProgressBar(ie.progress, "Evaluate", loader.Len())
	}
	err := iterate(ctx, func(b *training.Batch) error {
		pred, err := ie.PredictBatch(b)
		if err != nil {
			return fmt.Errorf("batch %d: %w", result.Batches, err)
		}
		if err := cm.Update(pred.Classes, b.Label, b.LabelWeight); err != nil {
			return fmt.Errorf("batch %d: %w", result.Batches, err)
		}
		if criterion != nil {
			loss, err := criterion.Forward(pred.Logits, b.Label, b.LabelWeight)
			if err != nil {
				return fmt.Errorf("batch %d loss: %w", result.Batches, err)
			}
			losses.Add(loss, b.Size())
		}
		result.Samples += b.Size()
		result.Batches++
		if bar != nil {
			barMetrics := map[string]float64{"acc": cm.Accuracy()}
			if losses.Count() > 0 {
				barMetrics["loss"], _ = losses.Mean()
			}
			bar.Update(result.Batches, barMetrics)
		}
		return nil
	})
	if err != nil {
		ie.log.Warnf("Evaluation stopped after %d samples: %v", result.Samples, err)
		return nil, err
	}

	if bar != nil {
		bar.Finish()
	}
	result.Metrics = cm.SSC()
	result.Loss, result.LossStd = losses.Mean()
	result.Duration = time.Since(start)
	ie.log.Infof("Evaluated %d samples in %v: %s", result.Samples, result.Duration, result.Metrics)
	return result, nil
}
