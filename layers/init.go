package layers

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/zebrajack/SATNet/tensor"
)

// Initializer draws reproducible initial weights. Two initializers built
// from the same seed produce identical networks.
type Initializer struct {
	src rand.Source
}

func NewInitializer(seed uint64) *Initializer {
	return &Initializer{src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
}

// KaimingNormal fills t from N(0, 2/fanOut), the ReLU-gain initialization
// for convolutions followed by batch norm.
func (in *Initializer) KaimingNormal(t *tensor.Tensor, fanOut int) {
	dist := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2 / float64(fanOut)), Src: in.src}
	data := t.Data.([]float32)
	for i := range data {
		data[i] = float32(dist.Rand())
	}
}

// Uniform fills t from U(-bound, bound).
func (in *Initializer) Uniform(t *tensor.Tensor, bound float64) {
	dist := distuv.Uniform{Min: -bound, Max: bound, Src: in.src}
	data := t.Data.([]float32)
	for i := range data {
		data[i] = float32(dist.Rand())
	}
}
