// Package bus defines the job controller's single-consumer message
// union: the set of events the running job model and the job state
// machine react to.
package bus

import "time"

// TaskCheckpointEventType enumerates the significant points an
// operator reports while a barrier passes through it. The controller
// does not interpret most of these beyond forwarding them to the
// checkpoint coordinator's event log; FinishedCommit is the one value
// the Committing phase acts on directly.
type TaskCheckpointEventType int

const (
	AlignmentStarted TaskCheckpointEventType = iota
	CheckpointStarted
	FinishedSync
	FinishedCommit
)

func (t TaskCheckpointEventType) String() string {
	switch t {
	case AlignmentStarted:
		return "AlignmentStarted"
	case CheckpointStarted:
		return "CheckpointStarted"
	case FinishedSync:
		return "FinishedSync"
	case FinishedCommit:
		return "FinishedCommit"
	default:
		return "Unknown"
	}
}

// RunningMessage is the closed set of events a running job's model
// reacts to. Each variant implements the marker method so the model's
// HandleMessage can type-switch exhaustively.
type RunningMessage interface {
	isRunningMessage()
}

// TaskCheckpointEvent reports operator-level progress during an
// in-flight checkpoint.
type TaskCheckpointEvent struct {
	Epoch        uint32
	OperatorID   string
	SubtaskIndex uint32
	EventType    TaskCheckpointEventType
	Time         time.Time
}

func (TaskCheckpointEvent) isRunningMessage() {}

// TaskCheckpointFinished reports that one subtask's snapshot for Epoch
// is durable. CommitData is non-nil when the subtask's operator
// declares commit-phase work: the checkpoint coordinator carries it
// forward as the payload CommitReq sends back to workers once every
// operator has finished.
type TaskCheckpointFinished struct {
	Epoch        uint32
	OperatorID   string
	SubtaskIndex uint32
	Time         time.Time
	CommitData   []byte
}

func (TaskCheckpointFinished) isRunningMessage() {}

// TaskFinished reports that a task ran to completion.
type TaskFinished struct {
	WorkerID     uint64
	Time         time.Time
	NodeID       uint32
	SubtaskIndex uint32
}

func (TaskFinished) isRunningMessage() {}

// TaskFailed reports that a task failed with reason.
type TaskFailed struct {
	NodeID       uint32
	SubtaskIndex uint32
	Reason       string
}

func (TaskFailed) isRunningMessage() {}

// WorkerHeartbeat reports a worker liveness ping.
type WorkerHeartbeat struct {
	WorkerID uint64
	Time     time.Time
}

func (WorkerHeartbeat) isRunningMessage() {}

// WorkerFinished reports that a worker process has exited cleanly.
type WorkerFinished struct {
	WorkerID uint64
}

func (WorkerFinished) isRunningMessage() {}

// JobMessage is the outer envelope the state machine's select loop
// consumes: either a RunningMessage bound for the model, or an
// administrative config update.
type JobMessage interface {
	isJobMessage()
}

// RunningEnvelope carries a RunningMessage bound for the model.
type RunningEnvelope struct {
	Msg RunningMessage
}

func (RunningEnvelope) isJobMessage() {}

// StopMode mirrors the administration API's requested stop behavior.
type StopMode int

const (
	StopModeNone StopMode = iota
	StopModeGraceful
	StopModeCheckpoint
	StopModeImmediate
)

// ConfigUpdate carries a new desired job configuration; the state
// machine diffs it against the current one to decide whether to
// restart, rescale, or stop.
type ConfigUpdate struct {
	Config JobConfig
}

func (ConfigUpdate) isJobMessage() {}
