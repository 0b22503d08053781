package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/zebrajack/SATNet/tensor"
)

// ConfusionMatrix counts evaluated voxels by [true class][predicted class].
// Class 0 is the empty class.
type ConfusionMatrix struct {
	NumClasses int
	Matrix     [][]int64
	Total      int64
}

func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int64, numClasses)
	for i := range matrix {
		matrix[i] = make([]int64, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.Total = 0
}

// Update adds one batch of predictions. Voxels with a non-positive label
// weight or a label outside [0, NumClasses) are not evaluated.
func (cm *ConfusionMatrix) Update(pred, label []int32, labelWeight []float32) error {
	if len(pred) != len(label) || len(label) != len(labelWeight) {
		return fmt.Errorf("got %d predictions, %d labels and %d weights: %w",
			len(pred), len(label), len(labelWeight), tensor.ErrShapeMismatch)
	}
	for i, y := range label {
		if labelWeight[i] <= 0 || y < 0 || int(y) >= cm.NumClasses {
			continue
		}
		p := pred[i]
		if p < 0 || int(p) >= cm.NumClasses {
			return fmt.Errorf("prediction %d at voxel %d is not a class in [0, %d)", p, i, cm.NumClasses)
		}
		cm.Matrix[y][p]++
		cm.Total++
	}
	return nil
}

// Accuracy returns the fraction of evaluated voxels predicted correctly.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.Total == 0 {
		return 0
	}
	var correct int64
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.Total)
}

// ClassIoU returns intersection over union for class c, and false when the
// class appears in neither labels nor predictions.
func (cm *ConfusionMatrix) ClassIoU(c int) (float64, bool) {
	inter := cm.Matrix[c][c]
	var union int64
	for k := 0; k < cm.NumClasses; k++ {
		union += cm.Matrix[c][k] + cm.Matrix[k][c]
	}
	union -= inter
	if union == 0 {
		return 0, false
	}
	return float64(inter) / float64(union), true
}

// SSCMetrics summarizes semantic scene completion quality.
type SSCMetrics struct {
	ClassIoU []float64 // NaN for classes never labeled nor predicted
	MeanIoU  float64   // over the non-empty classes that occur

	// Scene completion: occupied (class != 0) against empty.
	Precision     float64
	Recall        float64
	CompletionIoU float64

	Accuracy float64
	Voxels   int64
}

// SSC computes the semantic and completion metrics.
func (cm *ConfusionMatrix) SSC() SSCMetrics {
	m := SSCMetrics{
		ClassIoU: make([]float64, cm.NumClasses),
		Accuracy: cm.Accuracy(),
		Voxels:   cm.Total,
	}
	var present []float64
	for c := 0; c < cm.NumClasses; c++ {
		iou, ok := cm.ClassIoU(c)
		if !ok {
			m.ClassIoU[c] = math.NaN()
			continue
		}
		m.ClassIoU[c] = iou
		if c > 0 {
			present = append(present, iou)
		}
	}
	if len(present) > 0 {
		m.MeanIoU = stat.Mean(present, nil)
	}

	var tp, fp, fn int64
	for t := 0; t < cm.NumClasses; t++ {
		for p := 0; p < cm.NumClasses; p++ {
			n := cm.Matrix[t][p]
			switch {
			case t != 0 && p != 0:
				tp += n
			case t == 0 && p != 0:
				fp += n
			case t != 0 && p == 0:
				fn += n
			}
		}
	}
	m.Precision = ratio(tp, tp+fp)
	m.Recall = ratio(tp, tp+fn)
	m.CompletionIoU = ratio(tp, tp+fp+fn)
	return m
}

func ratio(a, b int64) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func (m SSCMetrics) String() string {
	return fmt.Sprintf("SC precision %.4f recall %.4f IoU %.4f | SSC mIoU %.4f | acc %.4f over %d voxels",
		m.Precision, m.Recall, m.CompletionIoU, m.MeanIoU, m.Accuracy, m.Voxels)
}

// ArgmaxClasses reduces logits [B, C, spatial...] to the highest scoring
// class per voxel, flattened as [B * voxels]. Ties go to the lower class.
func ArgmaxClasses(logits *tensor.Tensor) ([]int32, error) {
	if len(logits.Shape) < 3 {
		return nil, fmt.Errorf("logits must be [batch, classes, spatial...], got %v: %w", logits.Shape, tensor.ErrShapeMismatch)
	}
	z, err := logits.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	voxels := logits.NumElems / (batch * classes)
	out := make([]int32, batch*voxels)
	for b := 0; b < batch; b++ {
		base := b * classes * voxels
		for v := 0; v < voxels; v++ {
			best, bestVal := 0, z[base+v]
			for c := 1; c < classes; c++ {
				if x := z[base+c*voxels+v]; x > bestVal {
					best, bestVal = c, x
				}
			}
			out[b*voxels+v] = int32(best)
		}
	}
	return out, nil
}

// LossMeter accumulates per-batch losses weighted by batch size.
type LossMeter struct {
	values  []float64
	weights []float64
}

func (lm *LossMeter) Add(loss float32, batchSize int) {
	lm.values = append(lm.values, float64(loss))
	lm.weights = append(lm.weights, float64(batchSize))
}

func (lm *LossMeter) Reset() {
	lm.values, lm.weights = lm.values[:0], lm.weights[:0]
}

func (lm *LossMeter) Count() int {
	return len(lm.values)
}

// Mean returns the sample-weighted mean loss and its standard deviation.
func (lm *LossMeter) Mean() (mean, std float64) {
	if len(lm.values) == 0 {
		return 0, 0
	}
	if len(lm.values) == 1 {
		return lm.values[0], 0
	}
	return stat.MeanStdDev(lm.values, lm.weights)
}
