package training

import (
	"math"
	"sort"
)

// LRScheduler maps an epoch to a learning rate. Implementations are pure
// functions of their arguments.
type LRScheduler interface {
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// MultiStepLRScheduler multiplies the learning rate by Gamma at each
// milestone epoch. It implements the engine's epoch_step list.
type MultiStepLRScheduler struct {
	Milestones []int
	Gamma      float64
}

func NewMultiStepLRScheduler(milestones []int, gamma float64) *MultiStepLRScheduler {
	ms := append([]int(nil), milestones...)
	sort.Ints(ms)
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &MultiStepLRScheduler{Milestones: ms, Gamma: gamma}
}

func (s *MultiStepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	passed := sort.SearchInts(s.Milestones, epoch+1)
	return baseLR * math.Pow(s.Gamma, float64(passed))
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// SchedulerFor returns the schedule described by an engine state: constant
// when EpochStep is empty, a tenfold decay at each listed epoch otherwise.
func SchedulerFor(state EngineState) LRScheduler {
	if len(state.EpochStep) == 0 {
		return &NoOpScheduler{}
	}
	return NewMultiStepLRScheduler(state.EpochStep, 0.1)
}
