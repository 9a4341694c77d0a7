// Package controller implements the job controller's running-job
// model and checkpoint coordination: the in-memory state of one
// running job, driven by inbound worker events and wall-clock
// progress ticks.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flowdag/jobcontrol/config"
	"github.com/flowdag/jobcontrol/controller/bus"
	"github.com/flowdag/jobcontrol/controller/errs"
	"github.com/flowdag/jobcontrol/idgen"
	"github.com/flowdag/jobcontrol/jobmetrics"
	"github.com/flowdag/jobcontrol/metadatastore"
	"github.com/flowdag/jobcontrol/statebackend"
	"github.com/flowdag/jobcontrol/workerrpc"
)

// WorkerRunState is a worker's own lifecycle, independent of the
// model's overall State.
type WorkerRunState int

const (
	WorkerRunning WorkerRunState = iota
	WorkerStopped
)

// WorkerStatus tracks one worker's RPC handle and liveness.
type WorkerStatus struct {
	ID            uint64
	Addr          string
	Client        workerrpc.Client
	LastHeartbeat time.Time
	State         WorkerRunState
}

func (w *WorkerStatus) heartbeatTimedOut(timeout time.Duration) bool {
	return time.Since(w.LastHeartbeat) > timeout
}

// TaskState is one task's lifecycle within a single epoch's run.
type TaskState int

const (
	TaskRunning TaskState = iota
	TaskFinished
	TaskFailed
)

// TaskStatus tracks one (node, subtask)'s current state and, if
// Failed, the reason.
type TaskStatus struct {
	State  TaskState
	Reason string
}

// TaskKey identifies one task by its node and subtask index.
type TaskKey struct {
	NodeID       uint32
	SubtaskIndex uint32
}

// ModelState is the running job model's own coarse state, distinct
// from the outer job state machine: it only ever goes from Running to
// Stopped, once every task has finished.
type ModelState int

const (
	ModelRunning ModelState = iota
	ModelStopped
)

// RunningJobModel is the in-memory model of one running job: its
// workers, tasks, current epoch, any in-flight checkpoint or commit
// coordination, and accumulated checkpoint event spans.
type RunningJobModel struct {
	JobID          string
	OrganizationID string
	State          ModelState
	Program        *Program

	Coordination CoordinationState
	Epoch        uint32
	MinEpoch     uint32

	LastCheckpoint time.Time

	Workers map[uint64]*WorkerStatus
	Tasks   map[TaskKey]*TaskStatus

	OperatorParallelism map[uint32]int

	CheckpointSpans []*CheckpointEventSpan

	store   *metadatastore.Store
	backend *statebackend.Backend
	metrics *jobmetrics.Aggregator

	LastUpdatedMetrics time.Time
}

// NewRunningJobModel builds the model for a newly admitted or resumed
// job. last_checkpoint is staggered into [now, now+checkpointInterval)
// so that many jobs restarted at once on one controller don't
// synchronize their checkpoint storms.
// If resumeCommitting is non-nil the model starts life already in the
// Committing phase, resuming a commit broadcast that was in flight
// when the controller last stopped.
func NewRunningJobModel(
	jobID, organizationID string,
	program *Program,
	epoch, minEpoch uint32,
	workers map[uint64]*WorkerStatus,
	checkpointInterval time.Duration,
	resumeCommitting *CommittingState,
	store *metadatastore.Store,
	backend *statebackend.Backend,
	metrics *jobmetrics.Aggregator,
) *RunningJobModel {
	tasks := make(map[TaskKey]*TaskStatus)
	for _, n := range program.Nodes {
		for i := 0; i < n.Parallelism; i++ {
			tasks[TaskKey{NodeID: n.NodeID, SubtaskIndex: uint32(i)}] = &TaskStatus{State: TaskRunning}
		}
	}

	var coordination CoordinationState
	if resumeCommitting != nil {
		coordination = resumeCommitting
	}

	staggerMillis := int64(0)
	if checkpointInterval > 0 {
		staggerMillis = rand.Int63n(checkpointInterval.Milliseconds())
	}

	return &RunningJobModel{
		JobID:               jobID,
		OrganizationID:      organizationID,
		State:               ModelRunning,
		Program:             program,
		Coordination:        coordination,
		Epoch:               epoch,
		MinEpoch:            minEpoch,
		LastCheckpoint:      time.Now().Add(time.Duration(staggerMillis) * time.Millisecond),
		Workers:             workers,
		Tasks:               tasks,
		OperatorParallelism: program.TasksPerNode(),
		store:               store,
		backend:             backend,
		metrics:             metrics,
		LastUpdatedMetrics:  time.Now(),
	}
}

// StartOrGetSpan returns the existing span for event if one already
// exists on this checkpoint, creating and opening a new one otherwise.
func (m *RunningJobModel) StartOrGetSpan(ctx context.Context, event CheckpointEventType) *CheckpointEventSpan {
	var span *CheckpointEventSpan
	m.CheckpointSpans, span = startOrGetSpan(ctx, m.CheckpointSpans, m.JobID, event)
	return span
}

// persistCoordination writes the model's current coordination state to
// the metadata store. Every HandleMessage branch that mutates
// coordination state calls this before returning.
func (m *RunningJobModel) persistCoordination(ctx context.Context) error {
	spans, err := marshalSpans(m.CheckpointSpans)
	if err != nil {
		return err
	}

	switch cs := m.Coordination.(type) {
	case *CheckpointingState:
		details, err := cs.OperatorDetails()
		if err != nil {
			return err
		}
		if err := m.store.UpdateCheckpoint(ctx, cs.CheckpointID(), details, nil, metadatastore.StateInProgress, spans); err != nil {
			return errs.New(errs.StorageError, err)
		}
	case *CommittingState:
		if err := m.store.UpdateCheckpoint(ctx, cs.CheckpointID(), nil, nil, metadatastore.StateCommitting, spans); err != nil {
			return errs.New(errs.StorageError, err)
		}
	}
	return nil
}

// HandleMessage is the model's single-threaded mutator: it processes
// exactly one inbound event, and if the job was Running and every task
// is now Finished with no checkpoint in flight, it notifies every
// worker and transitions the model to Stopped.
func (m *RunningJobModel) HandleMessage(ctx context.Context, msg bus.RunningMessage) error {
	switch e := msg.(type) {
	case bus.TaskCheckpointEvent:
		if err := m.handleCheckpointEvent(ctx, e); err != nil {
			return err
		}
	case bus.TaskCheckpointFinished:
		if err := m.handleCheckpointFinished(ctx, e); err != nil {
			return err
		}
	case bus.TaskFinished:
		key := TaskKey{NodeID: e.NodeID, SubtaskIndex: e.SubtaskIndex}
		if status, ok := m.Tasks[key]; ok {
			status.State = TaskFinished
		} else {
			log.WithFields(log.Fields{"job_id": m.JobID, "node_id": key.NodeID, "subtask_index": key.SubtaskIndex}).
				Warn("received task finished for unknown task")
		}
	case bus.TaskFailed:
		key := TaskKey{NodeID: e.NodeID, SubtaskIndex: e.SubtaskIndex}
		if status, ok := m.Tasks[key]; ok {
			status.State = TaskFailed
			status.Reason = e.Reason
		} else {
			log.WithFields(log.Fields{"job_id": m.JobID, "node_id": key.NodeID, "subtask_index": key.SubtaskIndex, "reason": e.Reason}).
				Warn("received task failed for unknown task")
		}
	case bus.WorkerHeartbeat:
		if w, ok := m.Workers[e.WorkerID]; ok {
			// last_heartbeat is monotonic non-decreasing; a reordered
			// ping must not make a live worker look stale.
			if e.Time.After(w.LastHeartbeat) {
				w.LastHeartbeat = e.Time
			}
		} else {
			log.WithFields(log.Fields{"job_id": m.JobID, "worker_id": e.WorkerID}).Warn("received heartbeat for unknown worker")
		}
	case bus.WorkerFinished:
		if w, ok := m.Workers[e.WorkerID]; ok {
			w.State = WorkerStopped
		} else {
			log.WithFields(log.Fields{"job_id": m.JobID, "worker_id": e.WorkerID}).Warn("received finish message for unknown worker")
		}
	default:
		return errs.Newf(errs.InvariantViolation, "unrecognized running message %T", msg)
	}

	if m.State == ModelRunning && m.AllTasksFinished() && m.Coordination == nil {
		for _, w := range m.Workers {
			if err := w.Client.JobFinished(ctx); err != nil {
				log.WithFields(log.Fields{"job_id": m.JobID, "worker_id": w.ID, "error": err}).
					Warn("failed to notify worker of job completion")
			}
		}
		m.State = ModelStopped
	}

	return nil
}

func (m *RunningJobModel) handleCheckpointEvent(ctx context.Context, e bus.TaskCheckpointEvent) error {
	if m.Coordination == nil {
		log.WithFields(log.Fields{"job_id": m.JobID, "operator_id": e.OperatorID}).
			Debug("received checkpoint event but not checkpointing")
		return nil
	}
	if e.Epoch != m.Epoch {
		log.WithFields(log.Fields{"job_id": m.JobID, "epoch": e.Epoch, "expected": m.Epoch}).
			Warn("received checkpoint event for wrong epoch")
		return nil
	}

	switch cs := m.Coordination.(type) {
	case *CheckpointingState:
		if e.EventType == bus.FinishedCommit {
			// Commit acknowledgements only mean something once the
			// commit broadcast has gone out.
			log.WithFields(log.Fields{"job_id": m.JobID, "operator_id": e.OperatorID, "subtask_index": e.SubtaskIndex}).
				Warn("received commit acknowledgement before commit phase")
			return nil
		}
		if err := cs.CheckpointEvent(e); err != nil {
			return err
		}
	case *CommittingState:
		if e.EventType == bus.FinishedCommit {
			cs.SubtaskCommitted(e.OperatorID, e.SubtaskIndex)
			if err := m.compactState(ctx); err != nil {
				return err
			}
		} else {
			log.WithFields(log.Fields{"job_id": m.JobID, "event_type": e.EventType}).Warn("unexpected checkpoint event type during commit phase")
		}
	}

	return m.persistCoordination(ctx)
}

func (m *RunningJobModel) handleCheckpointFinished(ctx context.Context, f bus.TaskCheckpointFinished) error {
	if m.Coordination == nil {
		log.WithFields(log.Fields{"job_id": m.JobID}).Warn("received checkpoint finished but not checkpointing")
		return nil
	}
	if f.Epoch != m.Epoch {
		log.WithFields(log.Fields{"job_id": m.JobID, "epoch": f.Epoch, "expected": m.Epoch}).
			Warn("received checkpoint finished for wrong epoch")
		return nil
	}

	cs, ok := m.Coordination.(*CheckpointingState)
	if !ok {
		return errs.Newf(errs.InvariantViolation, "received checkpoint finished but not checkpointing")
	}
	if err := cs.CheckpointFinished(f); err != nil {
		return err
	}

	if cs.Done() {
		if span := m.findSpan(EventCheckpointingOperators); span != nil {
			span.Finish()
		}
	}

	return m.persistCoordination(ctx)
}

func (m *RunningJobModel) findSpan(event CheckpointEventType) *CheckpointEventSpan {
	for _, s := range m.CheckpointSpans {
		if s.Event == event {
			return s
		}
	}
	return nil
}

// Failed reports whether any worker's heartbeat has timed out or any
// task has failed, logging the specific reason.
func (m *RunningJobModel) Failed() bool {
	timeout := config.Get().Pipeline.WorkerHeartbeatTimeout

	for id, w := range m.Workers {
		if w.heartbeatTimedOut(timeout) {
			log.WithFields(log.Fields{"job_id": m.JobID, "worker_id": id}).Error("worker failed to heartbeat")
			return true
		}
	}
	for key, status := range m.Tasks {
		if status.State == TaskFailed {
			log.WithFields(log.Fields{"job_id": m.JobID, "node_id": key.NodeID, "subtask_index": key.SubtaskIndex, "reason": status.Reason}).
				Error("task failed")
			return true
		}
	}
	return false
}

// AnyFinishedSources reports whether any task belonging to a source
// operator has finished.
func (m *RunningJobModel) AnyFinishedSources() bool {
	sources := m.Program.Sources()
	for key, status := range m.Tasks {
		if status.State != TaskFinished {
			continue
		}
		for _, n := range m.Program.Nodes {
			if n.NodeID != key.NodeID {
				continue
			}
			for _, op := range n.Operators {
				if sources[op.OperatorID] {
					return true
				}
			}
		}
	}
	return false
}

// AllTasksFinished reports whether every task in the model has
// finished.
func (m *RunningJobModel) AllTasksFinished() bool {
	for _, status := range m.Tasks {
		if status.State != TaskFinished {
			return false
		}
	}
	return true
}

func marshalSpans(spans []*CheckpointEventSpan) ([]byte, error) {
	type wireSpan struct {
		Event string     `json:"event"`
		Start time.Time  `json:"start"`
		End   *time.Time `json:"end,omitempty"`
	}
	out := make([]wireSpan, 0, len(spans))
	for _, s := range spans {
		out = append(out, wireSpan{Event: s.Event.String(), Start: s.Start, End: s.End})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshaling checkpoint spans: %w", err)
	}
	return data, nil
}

// idgen.New is used by checkpoint.go to mint checkpoint ids; kept as a
// var here so tests can substitute a deterministic generator.
var newCheckpointID = func() string { return idgen.New(idgen.Checkpoint) }
