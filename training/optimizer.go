package training

import (
	"fmt"
	"sync"

	"github.com/zebrajack/SATNet/layers"
	"github.com/zebrajack/SATNet/model"
	"github.com/zebrajack/SATNet/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates parameters from the gradients attached to them
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets the base learning rate
	SetLR(lr float64) // Sets the base learning rate; group ratios are kept
}

type sgdGroup struct {
	name   string
	params []*layers.Parameter
	ratio  float64 // group learning rate / base learning rate
}

// SGD is stochastic gradient descent with momentum and L2 weight decay over
// parameter groups. Gradients are attached to the parameter tensors with
// tensor.SetGrad by whoever runs the backward pass; parameters without a
// gradient are left untouched. The update matches the usual formulation:
//
//	d = grad + weightDecay*p
//	v = momentum*v + (1-dampening)*d   (v = d on the first step)
//	p = p - lr*(nesterov ? d + momentum*v : v)
type SGD struct {
	groups       []sgdGroup
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	velocities   map[string]*tensor.Tensor
	mutex        sync.RWMutex
}

// NewSGD creates an optimizer over groups. Each group keeps its ratio to
// baseLR, so SetLR scales every group together.
func NewSGD(groups []model.ParamGroup, baseLR, momentum, weightDecay, dampening float64, nesterov bool) (*SGD, error) {
	if baseLR <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", baseLR)
	}
	if momentum < 0 || weightDecay < 0 {
		return nil, fmt.Errorf("momentum and weight decay must be non-negative, got %g and %g", momentum, weightDecay)
	}
	if nesterov && (momentum <= 0 || dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0 and zero dampening")
	}
	sgd := &SGD{
		learningRate: baseLR,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   make(map[string]*tensor.Tensor),
	}
	seen := make(map[string]bool)
	for _, g := range groups {
		for _, p := range g.Params {
			if p.Buffer {
				return nil, fmt.Errorf("group %s: %s is a buffer, not a parameter", g.Name, p.Name)
			}
			if seen[p.Name] {
				return nil, fmt.Errorf("parameter %s appears in more than one group", p.Name)
			}
			seen[p.Name] = true
		}
		sgd.groups = append(sgd.groups, sgdGroup{
			name:   g.Name,
			params: g.Params,
			ratio:  g.LearningRate / baseLR,
		})
	}
	return sgd, nil
}

// NewSATNetSGD builds the optimizer used for SATNet: momentum 0.9, weight
// decay 1e-4 and the backbone multiplier from the model's config.
func NewSATNetSGD(m *model.SATNet, baseLR float64) (*SGD, error) {
	return NewSGD(m.ParamGroups(baseLR, m.Config.BackboneLRMultiplier), baseLR, 0.9, 1e-4, 0, false)
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, g := range sgd.groups {
		lr := float32(sgd.learningRate * g.ratio)
		for _, p := range g.params {
			grad := p.Tensor.Grad()
			if grad == nil {
				continue
			}
			if err := sgd.update(p, grad, lr); err != nil {
				return fmt.Errorf("group %s: %w", g.name, err)
			}
		}
	}
	return nil
}

func (sgd *SGD) update(p *layers.Parameter, grad *tensor.Tensor, lr float32) error {
	if !tensor.SameShape(grad.Shape, p.Tensor.Shape) {
		return fmt.Errorf("gradient of %s has shape %v, parameter %v: %w", p.Name, grad.Shape, p.Tensor.Shape, tensor.ErrShapeMismatch)
	}
	w := p.Tensor.Data.([]float32)
	gd, err := grad.GetFloat32Data()
	if err != nil {
		return fmt.Errorf("gradient of %s: %w", p.Name, err)
	}

	wd := float32(sgd.weightDecay)
	d := make([]float32, len(w))
	for i := range d {
		d[i] = gd[i] + wd*w[i]
	}

	if sgd.momentum > 0 {
		m := float32(sgd.momentum)
		v, ok := sgd.velocities[p.Name]
		if !ok {
			v, err = tensor.FromFloat32(p.Tensor.Shape, append([]float32(nil), d...), p.Tensor.Device)
			if err != nil {
				return fmt.Errorf("velocity initialization failed: %w", err)
			}
			sgd.velocities[p.Name] = v
		} else {
			vd := v.Data.([]float32)
			damp := 1 - float32(sgd.dampening)
			for i := range vd {
				vd[i] = m*vd[i] + damp*d[i]
			}
		}
		vd := v.Data.([]float32)
		if sgd.nesterov {
			for i := range d {
				d[i] += m * vd[i]
			}
		} else {
			d = vd
		}
	}

	for i := range w {
		w[i] -= lr * d[i]
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	for _, g := range sgd.groups {
		ts := make([]*tensor.Tensor, len(g.params))
		for i, p := range g.params {
			ts[i] = p.Tensor
		}
		tensor.ZeroGrad(ts)
	}
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// GroupLR returns the effective learning rate of each group by name.
func (sgd *SGD) GroupLR() map[string]float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	out := make(map[string]float64, len(sgd.groups))
	for _, g := range sgd.groups {
		out[g.name] = sgd.learningRate * g.ratio
	}
	return out
}

// Hyperparameters returns the settings worth persisting with a checkpoint.
func (sgd *SGD) Hyperparameters() map[string]float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return map[string]float64{
		"lr":           sgd.learningRate,
		"momentum":     sgd.momentum,
		"weight_decay": sgd.weightDecay,
		"dampening":    sgd.dampening,
	}
}

// State returns the momentum buffers keyed by parameter name. The tensors
// are shared with the optimizer.
func (sgd *SGD) State() map[string]*tensor.Tensor {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	out := make(map[string]*tensor.Tensor, len(sgd.velocities))
	for k, v := range sgd.velocities {
		out[k] = v
	}
	return out
}

// LoadState restores momentum buffers. Every entry must name a parameter of
// the optimizer with a matching shape.
func (sgd *SGD) LoadState(state map[string]*tensor.Tensor) error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	shapes := make(map[string]*layers.Parameter)
	for _, g := range sgd.groups {
		for _, p := range g.params {
			shapes[p.Name] = p
		}
	}
	for name, v := range state {
		p, ok := shapes[name]
		if !ok {
			return fmt.Errorf("momentum buffer for unknown parameter %s: %w", name, model.ErrStateMismatch)
		}
		if !tensor.SameShape(v.Shape, p.Tensor.Shape) {
			return fmt.Errorf("momentum buffer %s has shape %v, parameter %v: %w", name, v.Shape, p.Tensor.Shape, tensor.ErrShapeMismatch)
		}
	}
	sgd.velocities = make(map[string]*tensor.Tensor, len(state))
	for name, v := range state {
		c, err := v.Clone()
		if err != nil {
			return err
		}
		sgd.velocities[name] = c
	}
	return nil
}
