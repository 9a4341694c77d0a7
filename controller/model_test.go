package controller

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowdag/jobcontrol/config"
	"github.com/flowdag/jobcontrol/controller/bus"
	"github.com/flowdag/jobcontrol/metadatastore"
	"github.com/flowdag/jobcontrol/workerrpc"
)

// TestMain seeds the process-wide config snapshot (controller/model.go's
// Failed() reads config.Get() on every call) the same way
// cmd/jobcontrold does once at startup, after
// flag parsing; without it config.Get() returns a zero-value Config
// whose WorkerHeartbeatTimeout is 0, which would make every worker
// appear instantly timed out.
func TestMain(m *testing.M) {
	config.Set(config.Config{Pipeline: config.Pipeline{
		WorkerHeartbeatTimeout: 30 * time.Second,
		HealthyDuration:        2 * time.Minute,
		AllowedRestarts:        5,
	}})
	os.Exit(m.Run())
}

// fakeWorkerClient is an in-memory workerrpc.Client that records every
// call it receives, standing in for a dialed worker connection.
type fakeWorkerClient struct {
	jobFinishedCalls int
	checkpointCalls  []*workerrpc.CheckpointReq
	commitCalls      []*workerrpc.CommitReq
	stopCalls        []workerrpc.StopMode
}

func (f *fakeWorkerClient) Checkpoint(ctx context.Context, req *workerrpc.CheckpointReq) error {
	f.checkpointCalls = append(f.checkpointCalls, req)
	return nil
}
func (f *fakeWorkerClient) Commit(ctx context.Context, req *workerrpc.CommitReq) error {
	f.commitCalls = append(f.commitCalls, req)
	return nil
}
func (f *fakeWorkerClient) StopExecution(ctx context.Context, mode workerrpc.StopMode) error {
	f.stopCalls = append(f.stopCalls, mode)
	return nil
}
func (f *fakeWorkerClient) JobFinished(ctx context.Context) error {
	f.jobFinishedCalls++
	return nil
}
func (f *fakeWorkerClient) LoadCompactedData(ctx context.Context, req *workerrpc.LoadCompactedDataReq) error {
	return nil
}
func (f *fakeWorkerClient) GetMetrics(ctx context.Context) (*workerrpc.MetricsResp, error) {
	return &workerrpc.MetricsResp{}, nil
}
func (f *fakeWorkerClient) Close() error { return nil }

func newTestStore(t *testing.T) *metadatastore.Store {
	t.Helper()
	store, err := metadatastore.Open(":memory:", metadatastore.NewNotifier())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func singleNodeModel(t *testing.T, parallelism int) (*RunningJobModel, *fakeWorkerClient) {
	t.Helper()
	program := &Program{Nodes: []Node{
		{NodeID: 1, Parallelism: parallelism, Operators: []Operator{{OperatorID: "op-a"}}, IsSource: true},
	}}
	fake := &fakeWorkerClient{}
	workers := map[uint64]*WorkerStatus{
		1: {ID: 1, Addr: "worker-1", Client: fake, LastHeartbeat: time.Now(), State: WorkerRunning},
	}
	model := NewRunningJobModel("job-1", "org-1", program, 0, 0, workers, time.Minute, nil, newTestStore(t), nil, nil)
	return model, fake
}

func TestHandleMessageUnknownTaskWarnsNotErrors(t *testing.T) {
	model, _ := singleNodeModel(t, 1)
	err := model.HandleMessage(context.Background(), bus.TaskFinished{NodeID: 99, SubtaskIndex: 0})
	require.NoError(t, err, "unknown task keys warn and are dropped, not an error")
}

func TestAllTasksFinishedNotifiesWorkersOnce(t *testing.T) {
	model, fake := singleNodeModel(t, 1)
	require.NoError(t, model.HandleMessage(context.Background(), bus.TaskFinished{NodeID: 1, SubtaskIndex: 0}))

	require.True(t, model.AllTasksFinished())
	require.Equal(t, ModelStopped, model.State)
	require.Equal(t, 1, fake.jobFinishedCalls)
}

func TestAnyFinishedSourcesOnlyConsidersSourceOperators(t *testing.T) {
	model, _ := singleNodeModel(t, 2)
	model.Program.Nodes = append(model.Program.Nodes, Node{NodeID: 2, Parallelism: 1, Operators: []Operator{{OperatorID: "op-b"}}})
	model.Tasks[TaskKey{NodeID: 2, SubtaskIndex: 0}] = &TaskStatus{State: TaskRunning}
	require.False(t, model.AnyFinishedSources())

	require.NoError(t, model.HandleMessage(context.Background(), bus.TaskFinished{NodeID: 2, SubtaskIndex: 0}))
	require.False(t, model.AnyFinishedSources(), "a finished non-source task does not count")

	require.NoError(t, model.HandleMessage(context.Background(), bus.TaskFinished{NodeID: 1, SubtaskIndex: 0}))
	require.True(t, model.AnyFinishedSources())
}

func TestFailedReportsWorkerHeartbeatTimeout(t *testing.T) {
	model, _ := singleNodeModel(t, 1)
	for _, w := range model.Workers {
		w.LastHeartbeat = time.Now().Add(-time.Hour)
	}
	require.True(t, model.Failed())
}

func TestFailedReportsTaskFailure(t *testing.T) {
	model, _ := singleNodeModel(t, 1)
	require.False(t, model.Failed())

	require.NoError(t, model.HandleMessage(context.Background(), bus.TaskFailed{NodeID: 1, SubtaskIndex: 0, Reason: "boom"}))
	require.True(t, model.Failed())
}

func TestWorkerHeartbeatUpdatesLastHeartbeat(t *testing.T) {
	model, _ := singleNodeModel(t, 1)
	stamp := time.Now().Add(time.Minute)
	require.NoError(t, model.HandleMessage(context.Background(), bus.WorkerHeartbeat{WorkerID: 1, Time: stamp}))
	require.Equal(t, stamp, model.Workers[1].LastHeartbeat)
}

func TestCheckpointEventWrongEpochDroppedNotError(t *testing.T) {
	model, _ := singleNodeModel(t, 1)
	model.Coordination = NewCheckpointingState("ckpt-1", 1, 0, model.Program, model.OperatorParallelism)
	model.Epoch = 1

	err := model.HandleMessage(context.Background(), bus.TaskCheckpointEvent{Epoch: 2, OperatorID: "op-a"})
	require.NoError(t, err)
}

func TestCheckpointEventNoCoordinationIsIgnored(t *testing.T) {
	model, _ := singleNodeModel(t, 1)
	err := model.HandleMessage(context.Background(), bus.TaskCheckpointEvent{Epoch: 0, OperatorID: "op-a"})
	require.NoError(t, err)
}

func TestFinishedCommitDuringCheckpointingIsDropped(t *testing.T) {
	model, _ := singleNodeModel(t, 1)
	model.Coordination = NewCheckpointingState("ckpt-1", 1, 0, model.Program, model.OperatorParallelism)
	model.Epoch = 1

	err := model.HandleMessage(context.Background(), bus.TaskCheckpointEvent{
		Epoch: 1, OperatorID: "op-a", EventType: bus.FinishedCommit,
	})
	require.NoError(t, err)

	cs := model.Coordination.(*CheckpointingState)
	require.False(t, cs.Done(), "a premature commit ack must not advance the checkpoint")
}

func TestWrongEpochEventDuringCommittingIsDroppedNotFatal(t *testing.T) {
	model, _ := singleNodeModel(t, 1)
	cs := NewCheckpointingState("ckpt-1", 1, 0, model.Program, model.OperatorParallelism)
	require.NoError(t, cs.CheckpointFinished(bus.TaskCheckpointFinished{Epoch: 1, OperatorID: "op-a", SubtaskIndex: 0, CommitData: []byte("c")}))
	model.Coordination = cs.CommittingState()
	model.Epoch = 1

	err := model.HandleMessage(context.Background(), bus.TaskCheckpointEvent{
		Epoch: 7, OperatorID: "op-a", EventType: bus.FinishedCommit,
	})
	require.NoError(t, err)
	require.False(t, model.Coordination.Done(), "a wrong-epoch ack must not commit anything")
}
