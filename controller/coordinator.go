package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowdag/jobcontrol/controller/bus"
	"github.com/flowdag/jobcontrol/controller/errs"
	"github.com/flowdag/jobcontrol/statebackend"
)

// CoordinationState is the closed "checkpointing-or-committing" tagged
// variant owned by the model during an active checkpoint. There are
// exactly two implementations; callers switch on the concrete type
// rather than treating this as an open abstraction, because the closed
// set is part of the correctness argument.
type CoordinationState interface {
	Done() bool
	CheckpointID() string
}

// operatorProgress tracks one operator's per-subtask completion during
// the Checkpointing phase.
type operatorProgress struct {
	reported   map[uint32]bool
	eventLog   []bus.TaskCheckpointEvent
	finished   bool
	commitData []byte // non-nil iff this operator declared commit work
}

// CheckpointingState is the coordination state while a checkpoint's
// barrier is propagating and operators are reporting completion.
type CheckpointingState struct {
	checkpointID string
	epoch        uint32
	minEpoch     uint32
	startTime    time.Time
	program      *Program

	operators map[string]*operatorProgress
}

// NewCheckpointingState builds coordination state for one epoch, with
// every operator in program pre-registered as not yet reported.
func NewCheckpointingState(checkpointID string, epoch, minEpoch uint32, program *Program, parallelism map[uint32]int) *CheckpointingState {
	s := &CheckpointingState{
		checkpointID: checkpointID,
		epoch:        epoch,
		minEpoch:     minEpoch,
		startTime:    time.Now(),
		program:      program,
		operators:    make(map[string]*operatorProgress),
	}
	for _, n := range program.Nodes {
		for _, op := range n.Operators {
			s.operators[op.OperatorID] = &operatorProgress{reported: make(map[uint32]bool)}
		}
	}
	return s
}

func (s *CheckpointingState) CheckpointID() string { return s.checkpointID }
func (s *CheckpointingState) Epoch() uint32        { return s.epoch }
func (s *CheckpointingState) StartTime() time.Time { return s.startTime }

// Done reports whether every operator in the program has finished
// (every subtask reported TaskCheckpointFinished for this epoch).
func (s *CheckpointingState) Done() bool {
	for _, op := range s.operators {
		if !op.finished {
			return false
		}
	}
	return true
}

// CheckpointEvent records an in-flight operator event in its event
// log. Duplicate events for the same (operator, subtask, epoch) are
// idempotent by construction: the log simply appends, and no state
// transition depends on event count.
func (s *CheckpointingState) CheckpointEvent(e bus.TaskCheckpointEvent) error {
	op, ok := s.operators[e.OperatorID]
	if !ok {
		return errs.Newf(errs.UnknownEntity, "checkpoint event for unknown operator %s", e.OperatorID)
	}
	op.eventLog = append(op.eventLog, e)
	return nil
}

// CheckpointFinished marks one subtask of an operator finished for
// this epoch. Replaying the same finish twice is idempotent: the
// second call is a no-op against already-true state.
func (s *CheckpointingState) CheckpointFinished(f bus.TaskCheckpointFinished) error {
	op, ok := s.operators[f.OperatorID]
	if !ok {
		return errs.Newf(errs.UnknownEntity, "checkpoint finished for unknown operator %s", f.OperatorID)
	}
	op.reported[f.SubtaskIndex] = true
	if f.CommitData != nil {
		op.commitData = f.CommitData
	}

	parallelism := 1
	for _, n := range s.program.Nodes {
		for _, o := range n.Operators {
			if o.OperatorID == f.OperatorID {
				parallelism = n.Parallelism
			}
		}
	}
	if len(op.reported) >= parallelism {
		op.finished = true
	}
	return nil
}

// operatorDetail is the JSON-serializable shape persisted as a
// checkpoint row's operator_details blob.
type operatorDetail struct {
	OperatorID string `json:"operator_id"`
	Reported   int    `json:"subtasks_reported"`
	HasCommit  bool   `json:"has_commit_work"`
}

// OperatorDetails serializes the current per-operator progress for
// persistence.
func (s *CheckpointingState) OperatorDetails() ([]byte, error) {
	details := make([]operatorDetail, 0, len(s.operators))
	for id, op := range s.operators {
		details = append(details, operatorDetail{
			OperatorID: id,
			Reported:   len(op.reported),
			HasCommit:  op.commitData != nil,
		})
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshaling operator details: %w", err)
	}
	return data, nil
}

// WriteMetadata persists the checkpoint's aggregated operator metadata
// through the state backend gateway.
func (s *CheckpointingState) WriteMetadata(ctx context.Context, backend *statebackend.Backend, jobID string) error {
	data, err := s.OperatorDetails()
	if err != nil {
		return err
	}
	if err := backend.WriteCheckpointMetadata(ctx, jobID, int32(s.epoch), data); err != nil {
		return errs.New(errs.StorageError, err)
	}
	return nil
}

// CommittingState derives the set of operators with declared commit
// work and their committing-data payload, switching the coordination
// state from Checkpointing to Committing. If no operator declared
// commit work, the returned state has nothing required and its Done()
// is already true, meaning the commit phase can be skipped.
func (s *CheckpointingState) CommittingState() *CommittingState {
	data := make(map[string][]byte)
	for id, op := range s.operators {
		if op.commitData != nil {
			data[id] = op.commitData
		}
	}
	if len(data) == 0 {
		return &CommittingState{checkpointID: s.checkpointID, epoch: s.epoch, required: nil}
	}

	required := make(map[string]map[uint32]bool, len(data))
	for id := range data {
		subtasks := make(map[uint32]bool)
		for _, n := range s.program.Nodes {
			for _, o := range n.Operators {
				if o.OperatorID == id {
					for i := 0; i < n.Parallelism; i++ {
						subtasks[uint32(i)] = false
					}
				}
			}
		}
		required[id] = subtasks
	}

	return &CommittingState{
		checkpointID:   s.checkpointID,
		epoch:          s.epoch,
		committingData: data,
		required:       required,
	}
}

// CommittingState is the coordination state while workers are
// acknowledging a commit broadcast.
type CommittingState struct {
	checkpointID   string
	epoch          uint32
	committingData map[string][]byte
	required       map[string]map[uint32]bool // operator -> subtask -> committed?
}

func (c *CommittingState) CheckpointID() string { return c.checkpointID }

// Done reports whether required is empty (no commit work) or every
// required (operator, subtask) pair has acknowledged.
func (c *CommittingState) Done() bool {
	for _, subtasks := range c.required {
		for _, committed := range subtasks {
			if !committed {
				return false
			}
		}
	}
	return true
}

// CommittingData returns the per-operator payload to send in CommitReq.
func (c *CommittingState) CommittingData() map[string][]byte {
	return c.committingData
}

// SubtaskCommitted marks (operatorID, subtaskIndex) as having
// acknowledged FinishedCommit. Unknown operator/subtask pairs are
// ignored rather than erroring, since a slow worker may still be
// replaying events from a phase the coordinator has already left.
func (c *CommittingState) SubtaskCommitted(operatorID string, subtaskIndex uint32) {
	subtasks, ok := c.required[operatorID]
	if !ok {
		return
	}
	subtasks[subtaskIndex] = true
}
