package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowdag/jobcontrol/controller"
	"github.com/flowdag/jobcontrol/controller/bus"
	"github.com/flowdag/jobcontrol/metadatastore"
	"github.com/flowdag/jobcontrol/workerrpc"
)

// stubState hands Run a canned transition so tests can drive the loop
// without standing up a full Running select loop.
type stubState struct {
	transition Transition
	err        error
}

func (s *stubState) Name() string { return "stub" }
func (s *stubState) Next(ctx context.Context, jc *JobContext) (Transition, error) {
	return s.transition, s.err
}

// stopRecorder is a workerrpc.Client that records stop broadcasts.
type stopRecorder struct {
	stops []workerrpc.StopMode
}

func (r *stopRecorder) Checkpoint(ctx context.Context, req *workerrpc.CheckpointReq) error {
	return nil
}
func (r *stopRecorder) Commit(ctx context.Context, req *workerrpc.CommitReq) error { return nil }
func (r *stopRecorder) StopExecution(ctx context.Context, mode workerrpc.StopMode) error {
	r.stops = append(r.stops, mode)
	return nil
}
func (r *stopRecorder) JobFinished(ctx context.Context) error { return nil }
func (r *stopRecorder) LoadCompactedData(ctx context.Context, req *workerrpc.LoadCompactedDataReq) error {
	return nil
}
func (r *stopRecorder) GetMetrics(ctx context.Context) (*workerrpc.MetricsResp, error) {
	return &workerrpc.MetricsResp{}, nil
}
func (r *stopRecorder) Close() error { return nil }

func testJobContext(t *testing.T) (*JobContext, *stopRecorder, *metadatastore.Store) {
	t.Helper()
	store, err := metadatastore.Open(":memory:", metadatastore.NewNotifier())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := &stopRecorder{}
	program := &controller.Program{Nodes: []controller.Node{
		{NodeID: 1, Parallelism: 1, Operators: []controller.Operator{{OperatorID: "op-a"}}},
	}}
	workers := map[uint64]*controller.WorkerStatus{
		1: {ID: 1, Addr: "worker-1", Client: rec, LastHeartbeat: time.Now(), State: controller.WorkerRunning},
	}
	model := controller.NewRunningJobModel("job-1", "org-1", program, 0, 0, workers, time.Minute, nil, store, nil, nil)

	jc := &JobContext{
		JobID:      "job-1",
		Controller: controller.New(store, nil, nil, model, bus.JobConfig{ID: "job-1"}),
		Store:      store,
		StartedAt:  time.Now(),
	}
	return jc, rec, store
}

func TestRunStoppingBroadcastsStopToWorkers(t *testing.T) {
	jc, rec, store := testJobContext(t)
	jc.StopMode = bus.StopModeImmediate

	err := Run(context.Background(), jc, &stubState{transition: TransitionStopping})
	require.NoError(t, err)
	require.Equal(t, []workerrpc.StopMode{workerrpc.StopImmediate}, rec.stops)

	status, err := store.GetJobStatus(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "Stopping", status.State)
}

func TestRunFatalReturnsWithoutStopBroadcast(t *testing.T) {
	jc, rec, store := testJobContext(t)

	boom := errors.New("boom")
	err := Run(context.Background(), jc, &stubState{transition: TransitionFatal, err: boom})
	require.ErrorIs(t, err, boom)
	require.Empty(t, rec.stops)

	status, err := store.GetJobStatus(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "Fatal", status.State)
	require.Equal(t, "boom", status.LastError)
}

func TestStatesShortCircuitToStoppingOnImmediateStopConfig(t *testing.T) {
	for _, s := range []State{&Running{}, &Restarting{}, &Recovering{}, &Rescaling{}, &Finishing{}} {
		jc, _, _ := testJobContext(t)
		jc.Config.StopMode = bus.StopModeImmediate

		transition, err := s.Next(context.Background(), jc)
		require.NoError(t, err, s.Name())
		require.Equal(t, TransitionStopping, transition, s.Name())
		require.Equal(t, bus.StopModeImmediate, jc.StopMode, s.Name())
	}
}
