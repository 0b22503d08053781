package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/google/uuid"

	"github.com/zebrajack/SATNet/config"
	"github.com/zebrajack/SATNet/model"
	"github.com/zebrajack/SATNet/tensor"
)

// ErrCorruptCheckpoint reports a checkpoint whose tensors are inconsistent
// with their declared shapes or that cannot be decoded.
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from the file extension: .onnx and .pb are
// protobuf, everything else JSON.
func FormatForPath(path string) CheckpointFormat {
	switch {
	case strings.HasSuffix(path, ".onnx"), strings.HasSuffix(path, ".pb"):
		return FormatONNX
	default:
		return FormatJSON
	}
}

// Checkpoint is a complete model state: the configuration it was built from,
// every named parameter and buffer, and optional training progress.
type Checkpoint struct {
	Config  *config.Config `json:"config,omitempty"`
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one named tensor of the state dict.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "running_mean", "running_var"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestMeanIoU  float64 `json:"best_mean_iou"`
}

// OptimizerState captures optimizer hyperparameters and per-parameter state
// such as momentum buffers.
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
	StateData  []OptimizerTensor  `json:"state_data,omitempty"`
}

// OptimizerTensor is one optimizer state tensor keyed by parameter name.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum"
}

type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

const (
	frameworkName    = "satnet"
	frameworkVersion = "1.0.0"
)

// FromModel snapshots m. Tensors are copied, so later training steps do not
// alter the checkpoint.
func FromModel(m *model.SATNet, state TrainingState) (*Checkpoint, error) {
	params := m.Parameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data, err := p.Tensor.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", p.Name, err)
		}
		weights = append(weights, newWeightTensor(p.Name, p.Tensor.Shape, data))
	}
	cfg := *m.Config
	return &Checkpoint{
		Config:        &cfg,
		Weights:       weights,
		TrainingState: state,
	}, nil
}

func newWeightTensor(name string, shape []int, data []float32) WeightTensor {
	layer, typ := name, ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		layer, typ = name[:i], name[i+1:]
	}
	return WeightTensor{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  append([]float32(nil), data...),
		Layer: layer,
		Type:  typ,
	}
}

// SetOptimizerState records optimizer state tensors keyed by parameter name.
func (ck *Checkpoint) SetOptimizerState(typ string, hyper map[string]float64, state map[string]*tensor.Tensor) error {
	st := &OptimizerState{Type: typ, Parameters: hyper}
	for _, name := range sortedKeys(state) {
		t := state[name]
		data, err := t.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("optimizer state %s: %w", name, err)
		}
		st.StateData = append(st.StateData, OptimizerTensor{
			Name:      name,
			Shape:     append([]int(nil), t.Shape...),
			Data:      append([]float32(nil), data...),
			StateType: "momentum",
		})
	}
	ck.OptimizerState = st
	return nil
}

// OptimizerTensors rebuilds the optimizer state tensors on device.
func (ck *Checkpoint) OptimizerTensors(device tensor.Device) (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor)
	if ck.OptimizerState == nil {
		return out, nil
	}
	for _, s := range ck.OptimizerState.StateData {
		t, err := tensor.FromFloat32(s.Shape, s.Data, device)
		if err != nil {
			return nil, fmt.Errorf("optimizer state %s: %v: %w", s.Name, err, ErrCorruptCheckpoint)
		}
		out[s.Name] = t
	}
	return out, nil
}

// Validate checks every tensor's data length against its shape and rejects
// duplicate names.
func (ck *Checkpoint) Validate() error {
	seen := make(map[string]bool, len(ck.Weights))
	for _, w := range ck.Weights {
		if seen[w.Name] {
			return fmt.Errorf("duplicate tensor %s: %w", w.Name, ErrCorruptCheckpoint)
		}
		seen[w.Name] = true
		if n := elements(w.Shape); n != len(w.Data) {
			return fmt.Errorf("tensor %s has %d values for shape %v: %w", w.Name, len(w.Data), w.Shape, ErrCorruptCheckpoint)
		}
	}
	if ck.OptimizerState != nil {
		for _, s := range ck.OptimizerState.StateData {
			if n := elements(s.Shape); n != len(s.Data) {
				return fmt.Errorf("optimizer state %s has %d values for shape %v: %w", s.Name, len(s.Data), s.Shape, ErrCorruptCheckpoint)
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]*tensor.Tensor) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func elements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

// StateDict materializes the weights as tensors on device.
func (ck *Checkpoint) StateDict(device tensor.Device) (map[string]*tensor.Tensor, error) {
	if err := ck.Validate(); err != nil {
		return nil, err
	}
	state := make(map[string]*tensor.Tensor, len(ck.Weights))
	for _, w := range ck.Weights {
		t, err := tensor.FromFloat32(w.Shape, w.Data, device)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", w.Name, err)
		}
		state[w.Name] = t
	}
	return state, nil
}

// Restore loads the checkpoint into m. A checkpoint built for another voxel
// grid, working size or class count is rejected with config.ErrInvalidConfig
// before any weight is touched; names and shapes must then match exactly.
func (ck *Checkpoint) Restore(m *model.SATNet) error {
	if ck.Config != nil {
		if err := m.Config.CheckCompatible(ck.Config); err != nil {
			return err
		}
	}
	state, err := ck.StateDict(m.Device)
	if err != nil {
		return err
	}
	return m.LoadStateDict(state)
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
	log    logs.Log
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat, log logs.Log) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
		log:    log,
	}
}

// SaveCheckpoint writes checkpoint to path, filling in metadata that is not
// yet set.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if err := checkpoint.Validate(); err != nil {
		return err
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = uuid.NewString()
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var err error
	switch cs.format {
	case FormatJSON:
		err = cs.saveJSON(checkpoint, path)
	case FormatONNX:
		err = NewONNXExporter().ExportToONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return err
	}
	cs.log.Infof("Saved %s checkpoint %s: %d tensors, run %s", cs.format, path, len(checkpoint.Weights), checkpoint.Metadata.RunID)
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	var (
		ck  *Checkpoint
		err error
	)
	switch cs.format {
	case FormatJSON:
		ck, err = cs.loadJSON(path)
	case FormatONNX:
		ck, err = NewONNXImporter().ImportFromONNX(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, err
	}
	if err := ck.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cs.log.Debugf("Loaded %s checkpoint %s: %d tensors, epoch %d", cs.format, path, len(ck.Weights), ck.TrainingState.Epoch)
	return ck, nil
}

// LoadInto reads path and restores it into m.
func (cs *CheckpointSaver) LoadInto(path string, m *model.SATNet) (*Checkpoint, error) {
	ck, err := cs.LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if ck.Config == nil {
		cs.log.Warnf("Checkpoint %s has no configuration, geometry is checked by tensor shapes only", path)
	}
	if err := ck.Restore(m); err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", path, err)
	}
	cs.log.Infof("Restored checkpoint %s (run %s, epoch %d)", path, ck.Metadata.RunID, ck.TrainingState.Epoch)
	return ck, nil
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v: %w", err, ErrCorruptCheckpoint)
	}
	return &checkpoint, nil
}
