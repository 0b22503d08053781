// Package model assembles the scene-completion network: dual-stream 2D
// segmentation, feature lifting and volumetric refinement.
package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cyclopcam/logs"

	"github.com/zebrajack/SATNet/config"
	"github.com/zebrajack/SATNet/layers"
	"github.com/zebrajack/SATNet/lift"
	"github.com/zebrajack/SATNet/seg2d"
	"github.com/zebrajack/SATNet/tensor"
	"github.com/zebrajack/SATNet/volume"
)

// ErrStateMismatch reports a state dict whose names differ from the model's.
var ErrStateMismatch = errors.New("state dict does not match model")

// SATNet maps a color image, an HHA depth image and a per-sample lift map to
// class logits over the coarse voxel grid.
type SATNet struct {
	Config *config.Config
	Device tensor.Device

	Seg2D  *seg2d.FusionNet
	Lifter *lift.Lifter
	Refine *volume.RefineNet

	log logs.Log
}

// New builds an initialized network for cfg. Weights are drawn from cfg.Seed,
// so two networks built from the same config are identical.
func New(cfg *config.Config, log logs.Log) (*SATNet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	device, err := cfg.Device()
	if err != nil {
		return nil, err
	}

	b := layers.NewBuilder(device, layers.NewInitializer(cfg.Seed), cfg.BatchNormEps)
	fusion, err := seg2d.NewFusionNet(b, seg2d.StreamConfigFrom(cfg), cfg.FusionChannels)
	if err != nil {
		return nil, fmt.Errorf("seg2d: %w", err)
	}
	resample, err := lift.NewResampleMap(cfg.WorkingWidth, cfg.WorkingHeight, cfg.NativeWidth, cfg.NativeHeight, device)
	if err != nil {
		return nil, err
	}
	lifter, err := lift.NewLifter(resample, cfg.CoarseGrid())
	if err != nil {
		return nil, err
	}
	refine, err := volume.NewRefineNet(b, cfg.FusionChannels, cfg.NumClasses, cfg.ASPPRates3D)
	if err != nil {
		return nil, err
	}

	m := &SATNet{
		Config: cfg,
		Device: device,
		Seg2D:  fusion,
		Lifter: lifter,
		Refine: refine,
		log:    log,
	}
	log.Infof("Built SATNet on %s: working %dx%d, grid %v, %d classes, %d parameters",
		device, cfg.WorkingWidth, cfg.WorkingHeight, cfg.CoarseGrid(), cfg.NumClasses,
		layers.CountParameters(m.Parameters()))
	return m, nil
}

// Forward returns logits [B, NumClasses, D0, D1, D2]. color and depth are
// [B, 3, WorkingHeight, WorkingWidth]; maps holds one lift map per sample.
func (m *SATNet) Forward(color, depth *tensor.Tensor, maps []*lift.LiftMap) (*tensor.Tensor, error) {
	if err := tensor.CheckDevice(color, m.Device); err != nil {
		return nil, fmt.Errorf("color input: %w", err)
	}
	if err := tensor.CheckDevice(depth, m.Device); err != nil {
		return nil, fmt.Errorf("depth input: %w", err)
	}
	features, err := m.Seg2D.Forward(color, depth)
	if err != nil {
		return nil, fmt.Errorf("seg2d: %w", err)
	}
	return m.ForwardFeatures(features, maps)
}

// ForwardFeatures runs lifting and refinement on fused 2D features
// [B, FusionChannels, WorkingHeight, WorkingWidth].
func (m *SATNet) ForwardFeatures(features *tensor.Tensor, maps []*lift.LiftMap) (*tensor.Tensor, error) {
	lifted, err := m.Lifter.Lift(features, maps)
	if err != nil {
		return nil, fmt.Errorf("lift: %w", err)
	}
	logits, err := m.Refine.Forward(lifted)
	if err != nil {
		return nil, fmt.Errorf("refine: %w", err)
	}
	return logits, nil
}

// LiftMap wraps precomputed per-voxel entries for this model's geometry and
// warns when entries had to be redirected to the sentinel.
func (m *SATNet) LiftMap(entries []int32) (*lift.LiftMap, error) {
	lm, clamped, err := lift.NewLiftMap(m.Config.CoarseGrid(), m.Config.NativePixels(), entries, m.Device)
	if err != nil {
		return nil, err
	}
	if clamped > 0 {
		m.log.Warnf("Lift map: %d of %d entries out of range, redirected to sentinel", clamped, lm.Len())
	}
	return lm, nil
}

// BuildLiftMap derives the coarse lift map from a per-pixel correspondence
// (native voxel index per native pixel, or -1).
func (m *SATNet) BuildLiftMap(voxelOfPixel []int32) (*lift.LiftMap, error) {
	if len(voxelOfPixel) != m.Config.NativePixels() {
		return nil, fmt.Errorf("correspondence has %d pixels, expected %d: %w",
			len(voxelOfPixel), m.Config.NativePixels(), tensor.ErrShapeMismatch)
	}
	lm, skipped, err := lift.BuildLiftMap(voxelOfPixel, m.Config.NativeGrid, m.Config.Downsample, m.Device)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		m.log.Warnf("Lift map: skipped %d correspondence entries outside grid %v", skipped, m.Config.NativeGrid)
	}
	return lm, nil
}

// Parameters returns every parameter and buffer with its checkpoint name.
func (m *SATNet) Parameters() []*layers.Parameter {
	params := layers.Prefix("seg2d", m.Seg2D.Parameters())
	return append(params, m.Refine.Parameters()...)
}

// ParamGroup is one optimizer group with its effective learning rate.
type ParamGroup struct {
	Name         string
	Params       []*layers.Parameter
	LearningRate float64
}

// ParamGroups splits the learnable parameters for the optimizer: seg2d at
// baseLR*backboneMult, then seq1, seq2, ASPP3D1, ASPP3D2 and ASPP3Dout at
// baseLR.
func (m *SATNet) ParamGroups(baseLR, backboneMult float64) []ParamGroup {
	groups := []ParamGroup{{
		Name:         "seg2d",
		Params:       layers.Learnable(layers.Prefix("seg2d", m.Seg2D.Parameters())),
		LearningRate: baseLR * backboneMult,
	}}
	names := []string{"seq1", "seq2", "ASPP3D1", "ASPP3D2", "ASPP3Dout"}
	for i, g := range m.Refine.Groups() {
		groups = append(groups, ParamGroup{
			Name:         names[i],
			Params:       layers.Learnable(g),
			LearningRate: baseLR,
		})
	}
	return groups
}

// StateDict returns the named tensors, shared with the model.
func (m *SATNet) StateDict() map[string]*tensor.Tensor {
	state := make(map[string]*tensor.Tensor)
	for _, p := range m.Parameters() {
		state[p.Name] = p.Tensor
	}
	return state
}

// LoadStateDict copies state into the model. Every model tensor must be
// present on the model's device with an identical shape and no unknown names
// are accepted, except num_batches_tracked counters which are ignored. The
// model is left untouched when validation fails.
func (m *SATNet) LoadStateDict(state map[string]*tensor.Tensor) error {
	params := m.Parameters()
	known := make(map[string]bool, len(params))

	var missing []string
	for _, p := range params {
		known[p.Name] = true
		src, ok := state[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if !tensor.SameShape(src.Shape, p.Tensor.Shape) {
			return fmt.Errorf("parameter %s has shape %v, model expects %v: %w", p.Name, src.Shape, p.Tensor.Shape, tensor.ErrShapeMismatch)
		}
		if err := tensor.CheckDevice(src, m.Device); err != nil {
			return fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		if src.DType != tensor.Float32 {
			return fmt.Errorf("parameter %s has dtype %s: %w", p.Name, src.DType, tensor.ErrDTypeMismatch)
		}
	}

	var unexpected []string
	for name := range state {
		if !known[name] && !strings.HasSuffix(name, ".num_batches_tracked") {
			unexpected = append(unexpected, name)
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		sort.Strings(unexpected)
		return fmt.Errorf("missing %d %v, unexpected %d %v: %w",
			len(missing), truncate(missing), len(unexpected), truncate(unexpected), ErrStateMismatch)
	}

	for _, p := range params {
		copy(p.Tensor.Data.([]float32), state[p.Name].Data.([]float32))
	}
	m.log.Debugf("Loaded %d tensors into SATNet", len(params))
	return nil
}

func truncate(names []string) []string {
	const limit = 5
	if len(names) > limit {
		return append(names[:limit:limit], "...")
	}
	return names
}

// Summary describes the top-level blocks and their parameter counts.
func (m *SATNet) Summary() string {
	named := map[string]layers.Component{
		"seg2d.cs":   m.Seg2D.Color,
		"seg2d.ds":   m.Seg2D.Depth,
		"seg2d.fuse": m.Seg2D.Fuse,
		"seq1":       m.Refine.Seq1,
		"seq2":       m.Refine.Seq2,
		"ASPP3D1":    m.Refine.ASPP1,
		"ASPP3D2":    m.Refine.ASPP2,
		"ASPP3Dout":  m.Refine.Head,
	}
	order := []string{"seg2d.cs", "seg2d.ds", "seg2d.fuse", "seq1", "seq2", "ASPP3D1", "ASPP3D2", "ASPP3Dout"}
	return layers.Summary(layers.Describe(named, order))
}
