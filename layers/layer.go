package layers

import (
	"fmt"
	"strings"

	"github.com/zebrajack/SATNet/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Conv2D LayerType = iota
	Conv3D
	BatchNorm
	ReLU
	MaxPool2D
	PixelShuffle
	Container
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case Conv3D:
		return "Conv3D"
	case BatchNorm:
		return "BatchNorm"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case PixelShuffle:
		return "PixelShuffle"
	case Container:
		return "Container"
	default:
		return "Unknown"
	}
}

// Parameter is a named tensor owned by a module. Buffers (BatchNorm running
// statistics) are persisted in checkpoints but never handed to an optimizer.
type Parameter struct {
	Name   string
	Tensor *tensor.Tensor
	Buffer bool
}

// Component owns named parameters. Multi-input networks implement it
// without being a Module.
type Component interface {
	// Parameters returns the tensors with names relative to the component.
	Parameters() []*Parameter
	Type() LayerType
}

// Module is one forward-only building block with a single input.
type Module interface {
	Component
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Prefix re-roots parameter names under prefix, sharing the tensors.
func Prefix(prefix string, params []*Parameter) []*Parameter {
	out := make([]*Parameter, len(params))
	for i, p := range params {
		out[i] = &Parameter{Name: prefix + "." + p.Name, Tensor: p.Tensor, Buffer: p.Buffer}
	}
	return out
}

// Learnable filters out buffers.
func Learnable(params []*Parameter) []*Parameter {
	var out []*Parameter
	for _, p := range params {
		if !p.Buffer {
			out = append(out, p)
		}
	}
	return out
}

// CountParameters returns the number of learnable scalars.
func CountParameters(params []*Parameter) int64 {
	var n int64
	for _, p := range params {
		if !p.Buffer {
			n += int64(p.Tensor.NumElems)
		}
	}
	return n
}

// LayerSpec is one row of a model summary.
type LayerSpec struct {
	Type           LayerType `json:"type"`
	Name           string    `json:"name"`
	ParameterCount int64     `json:"parameter_count"`
}

// Describe lists the named top-level components of a network.
func Describe(named map[string]Component, order []string) []LayerSpec {
	specs := make([]LayerSpec, 0, len(order))
	for _, name := range order {
		m := named[name]
		specs = append(specs, LayerSpec{
			Type:           m.Type(),
			Name:           name,
			ParameterCount: CountParameters(m.Parameters()),
		})
	}
	return specs
}

// Summary returns a human-readable table of specs.
func Summary(specs []LayerSpec) string {
	var sb strings.Builder
	var total int64
	sb.WriteString("Model Summary:\n")
	for i, s := range specs {
		sb.WriteString(fmt.Sprintf("Layer %d: %s (%s)  Params: %d\n", i+1, s.Name, s.Type, s.ParameterCount))
		total += s.ParameterCount
	}
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", total))
	return sb.String()
}

// Sequential runs modules in order. Parameter names use the module index, so
// a ReLU still occupies a slot.
type Sequential struct {
	Layers []Module
}

func NewSequential(layers ...Module) *Sequential {
	return &Sequential{Layers: layers}
}

func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i, l := range s.Layers {
		x, err = l.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, l.Type(), err)
		}
	}
	return x, nil
}

func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for i, l := range s.Layers {
		params = append(params, Prefix(fmt.Sprint(i), l.Parameters())...)
	}
	return params
}

func (s *Sequential) Type() LayerType { return Container }

// ReLUModule applies max(0, x).
type ReLUModule struct{}

func (ReLUModule) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLU(x)
}

func (ReLUModule) Parameters() []*Parameter { return nil }

func (ReLUModule) Type() LayerType { return ReLU }
