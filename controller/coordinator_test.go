package controller

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowdag/jobcontrol/controller/bus"
	"github.com/flowdag/jobcontrol/controller/errs"
)

func twoSubtaskProgram() *Program {
	return &Program{Nodes: []Node{
		{NodeID: 1, Parallelism: 2, Operators: []Operator{{OperatorID: "op-a"}}},
	}}
}

func TestCheckpointingStateDoneAfterAllSubtasksReport(t *testing.T) {
	program := twoSubtaskProgram()
	cs := NewCheckpointingState("ckpt-1", 1, 0, program, program.TasksPerNode())
	require.False(t, cs.Done())

	require.NoError(t, cs.CheckpointFinished(bus.TaskCheckpointFinished{OperatorID: "op-a", SubtaskIndex: 0}))
	require.False(t, cs.Done(), "one of two subtasks reported")

	require.NoError(t, cs.CheckpointFinished(bus.TaskCheckpointFinished{OperatorID: "op-a", SubtaskIndex: 1}))
	require.True(t, cs.Done())
}

func TestCheckpointFinishedIsIdempotent(t *testing.T) {
	program := twoSubtaskProgram()
	cs := NewCheckpointingState("ckpt-1", 1, 0, program, program.TasksPerNode())

	require.NoError(t, cs.CheckpointFinished(bus.TaskCheckpointFinished{OperatorID: "op-a", SubtaskIndex: 0}))
	require.NoError(t, cs.CheckpointFinished(bus.TaskCheckpointFinished{OperatorID: "op-a", SubtaskIndex: 0}))

	details, err := cs.OperatorDetails()
	require.NoError(t, err)
	require.Contains(t, string(details), `"subtasks_reported":1`, "replaying the same subtask must not double-count")
}

func TestCheckpointEventUnknownOperator(t *testing.T) {
	program := twoSubtaskProgram()
	cs := NewCheckpointingState("ckpt-1", 1, 0, program, program.TasksPerNode())

	err := cs.CheckpointEvent(bus.TaskCheckpointEvent{OperatorID: "not-a-real-operator"})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.UnknownEntity))
}

func TestCommittingStateSkippedWhenNoCommitWork(t *testing.T) {
	program := twoSubtaskProgram()
	cs := NewCheckpointingState("ckpt-1", 1, 0, program, program.TasksPerNode())
	require.NoError(t, cs.CheckpointFinished(bus.TaskCheckpointFinished{OperatorID: "op-a", SubtaskIndex: 0}))
	require.NoError(t, cs.CheckpointFinished(bus.TaskCheckpointFinished{OperatorID: "op-a", SubtaskIndex: 1}))

	committing := cs.CommittingState()
	require.NotNil(t, committing)
	require.True(t, committing.Done(), "no operator declared commit work, so the commit phase is trivially done")
	require.Empty(t, committing.CommittingData())
}

func TestCommittingStateWaitsForDeclaredCommitWork(t *testing.T) {
	program := twoSubtaskProgram()
	cs := NewCheckpointingState("ckpt-1", 1, 0, program, program.TasksPerNode())
	require.NoError(t, cs.CheckpointFinished(bus.TaskCheckpointFinished{OperatorID: "op-a", SubtaskIndex: 0, CommitData: []byte("state-0")}))
	require.NoError(t, cs.CheckpointFinished(bus.TaskCheckpointFinished{OperatorID: "op-a", SubtaskIndex: 1, CommitData: []byte("state-1")}))

	committing := cs.CommittingState()
	require.NotNil(t, committing)
	require.False(t, committing.Done())
	require.Equal(t, []byte("state-1"), committing.CommittingData()["op-a"])

	committing.SubtaskCommitted("op-a", 0)
	require.False(t, committing.Done())
	committing.SubtaskCommitted("op-a", 1)
	require.True(t, committing.Done())
}

func TestSubtaskCommittedIgnoresUnknownOperator(t *testing.T) {
	program := twoSubtaskProgram()
	cs := NewCheckpointingState("ckpt-1", 1, 0, program, program.TasksPerNode())
	require.NoError(t, cs.CheckpointFinished(bus.TaskCheckpointFinished{OperatorID: "op-a", SubtaskIndex: 0, CommitData: []byte("x")}))
	require.NoError(t, cs.CheckpointFinished(bus.TaskCheckpointFinished{OperatorID: "op-a", SubtaskIndex: 1, CommitData: []byte("x")}))
	committing := cs.CommittingState()

	require.NotPanics(t, func() { committing.SubtaskCommitted("op-unknown", 0) })
	require.False(t, committing.Done())
}
