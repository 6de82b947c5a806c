// Package coordinator orchestrates the sphere hierarchy: epochs, batch
// distribution, gradient reduction, health monitoring and checkpoints.
package coordinator

import "time"

import "github.com/pkg/errors"

import "github.com/justmebob123/crystalline/batch"
import "github.com/justmebob123/crystalline/gradient"

// GradientFunc is the numeric collaborator invoked once per batch by a leaf
// node. It must be safe to invoke from arbitrary worker threads.
type GradientFunc func(b *batch.Batch, params []float64) (loss float64, grad []float64, err error)

// ParameterStore receives the updated weights once per epoch after the
// optimizer step.
type ParameterStore interface {
	BroadcastWeights(weights []float64) error
}

// Serializer is the external hook for byte-level checkpoint payloads. The
// coordinator guarantees only epoch and topology metadata around it.
type Serializer interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Config sizes the hierarchy and tunes the run.
type Config struct {
	// GradientSize is the parameter vector length.
	GradientSize int
	// ControlNodes is the number of interior routing nodes under the
	// root. 0 attaches leaves directly to the root.
	ControlNodes int
	// LeafNodes is the number of batch-processing nodes.
	LeafNodes int

	LearningRate float64
	Clip         gradient.ClipConfig

	// BatchQueueCapacity bounds the shared batch queue. 0 is unbounded.
	BatchQueueCapacity int
	// InboxCapacity bounds each node inbox per priority tier.
	InboxCapacity uint64

	HealthInterval time.Duration
	SphereTimeout  time.Duration

	// RequeueOnTerminate reroutes a terminated node's pending work
	// messages to the root instead of discarding them.
	RequeueOnTerminate bool
	// AbortEpochOnFailure fails the running epoch when a sphere is
	// recovered mid-epoch, instead of accepting the approximate average
	// that loses the failed node's partial contribution.
	AbortEpochOnFailure bool

	// EpochBarrierTimeout bounds how long a node waits at the epoch
	// barrier before proceeding alone.
	EpochBarrierTimeout time.Duration

	// CheckpointDir is where checkpoint files land.
	CheckpointDir string
}

// DefaultConfig returns a small two-level hierarchy tuned for tests and
// demos.
func DefaultConfig() Config {
	return Config{
		GradientSize:        16,
		ControlNodes:        2,
		LeafNodes:           8,
		LearningRate:        0.01,
		Clip:                gradient.ClipConfig{CheckNumerics: true},
		BatchQueueCapacity:  256,
		HealthInterval:      time.Second,
		SphereTimeout:       30 * time.Second,
		EpochBarrierTimeout: 30 * time.Second,
		CheckpointDir:       ".",
	}
}

func (c Config) validate() error {
	if c.GradientSize < 1 {
		return errors.Errorf("coordinator: gradient size %d", c.GradientSize)
	}
	if c.LeafNodes < 1 {
		return errors.Errorf("coordinator: need at least one leaf, have %d", c.LeafNodes)
	}
	if c.ControlNodes < 0 {
		return errors.Errorf("coordinator: control nodes %d", c.ControlNodes)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("coordinator: learning rate %v", c.LearningRate)
	}
	return nil
}
