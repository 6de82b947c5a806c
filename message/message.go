// Package message implements the control and status channel between worker
// spheres: typed messages and a four-tier priority queue built on the
// lock-free queue.
package message

import "sync/atomic"
import "time"

// Type identifies the kind of message.
type Type int

const (
	// Work distribution between siblings.
	WorkRequest Type = iota
	WorkOffer
	WorkAccept
	WorkReject

	// Gradient flow.
	GradientReady
	GradientAccumulate
	GradientComplete

	// Weight synchronization.
	WeightsUpdated
	WeightsRequest
	WeightsBroadcast

	// Epoch and batch control.
	EpochStart
	EpochComplete
	BatchStart
	BatchComplete

	// Hierarchy management.
	ChildSpawn
	ChildTerminate
	ParentSync
	SiblingDiscover

	// Errors and health.
	ErrorReport
	ErrorRecovery
	StatsRequest
	StatsReport

	// Shutdown.
	ShutdownRequest
	ShutdownAck
)

var typeNames = map[Type]string{
	WorkRequest:        "WORK_REQUEST",
	WorkOffer:          "WORK_OFFER",
	WorkAccept:         "WORK_ACCEPT",
	WorkReject:         "WORK_REJECT",
	GradientReady:      "GRADIENT_READY",
	GradientAccumulate: "GRADIENT_ACCUMULATE",
	GradientComplete:   "GRADIENT_COMPLETE",
	WeightsUpdated:     "WEIGHTS_UPDATED",
	WeightsRequest:     "WEIGHTS_REQUEST",
	WeightsBroadcast:   "WEIGHTS_BROADCAST",
	EpochStart:         "EPOCH_START",
	EpochComplete:      "EPOCH_COMPLETE",
	BatchStart:         "BATCH_START",
	BatchComplete:      "BATCH_COMPLETE",
	ChildSpawn:         "CHILD_SPAWN",
	ChildTerminate:     "CHILD_TERMINATE",
	ParentSync:         "PARENT_SYNC",
	SiblingDiscover:    "SIBLING_DISCOVER",
	ErrorReport:        "ERROR_REPORT",
	ErrorRecovery:      "ERROR_RECOVERY",
	StatsRequest:       "STATS_REQUEST",
	StatsReport:        "STATS_REPORT",
	ShutdownRequest:    "SHUTDOWN_REQUEST",
	ShutdownAck:        "SHUTDOWN_ACK",
}

// String returns the message type name.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Priority selects the queue tier.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical

	// NumPriorities is the tier count.
	NumPriorities = 4
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// Broadcast is the receiver id addressing every node.
const Broadcast = -1

// WorkPayload describes work requested from or offered to a sibling.
type WorkPayload struct {
	Partition  int
	BatchCount int
}

// GradientPayload announces a finalized gradient buffer. The buffer itself
// stays owned by the sending node; only metadata travels.
type GradientPayload struct {
	OwnerID    int
	Partition  int
	Size       int
	Norm       float64
	BatchCount int
}

// WeightPayload carries a parameter broadcast.
type WeightPayload struct {
	Version int
	Weights []float64
}

// EpochPayload carries epoch control parameters.
type EpochPayload struct {
	Epoch        int
	TotalBatches int
	LearningRate float64
}

// ErrorPayload reports a node failure.
type ErrorPayload struct {
	NodeID int
	Stage  string
	Reason string
}

// StatsPayload reports node counters to the coordinator.
type StatsPayload struct {
	NodeID           int
	BatchesProcessed uint64
	QueueDepth       uint64
}

// Message is one unit of control or status traffic.
type Message struct {
	Type     Type
	Priority Priority
	Sender   int
	Receiver int
	Sequence uint64
	Created  time.Time

	Payload any

	processed    uint32
	acknowledged uint32
}

var messageSequence uint64

// New creates a message stamped with a monotonic sequence number.
func New(t Type, priority Priority, sender, receiver int) *Message {
	return &Message{
		Type:     t,
		Priority: priority,
		Sender:   sender,
		Receiver: receiver,
		Sequence: atomic.AddUint64(&messageSequence, 1),
		Created:  time.Now(),
	}
}

// MarkProcessed records that a receiver consumed the message.
func (m *Message) MarkProcessed() {
	atomic.StoreUint32(&m.processed, 1)
}

// Processed reports whether the message has been consumed.
func (m *Message) Processed() bool {
	return atomic.LoadUint32(&m.processed) != 0
}

// MarkAcknowledged records that the sender saw the response.
func (m *Message) MarkAcknowledged() {
	atomic.StoreUint32(&m.acknowledged, 1)
}

// Acknowledged reports whether the message has been acknowledged.
func (m *Message) Acknowledged() bool {
	return atomic.LoadUint32(&m.acknowledged) != 0
}
