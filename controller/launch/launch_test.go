package launch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowdag/jobcontrol/controller/state"
	"github.com/flowdag/jobcontrol/metadatastore"
	"github.com/flowdag/jobcontrol/workerrpc"
)

// nopWorkerClient stands in for a dialed worker connection.
type nopWorkerClient struct{}

func (nopWorkerClient) Checkpoint(ctx context.Context, req *workerrpc.CheckpointReq) error {
	return nil
}
func (nopWorkerClient) Commit(ctx context.Context, req *workerrpc.CommitReq) error       { return nil }
func (nopWorkerClient) StopExecution(ctx context.Context, mode workerrpc.StopMode) error { return nil }
func (nopWorkerClient) JobFinished(ctx context.Context) error                            { return nil }
func (nopWorkerClient) LoadCompactedData(ctx context.Context, req *workerrpc.LoadCompactedDataReq) error {
	return nil
}
func (nopWorkerClient) GetMetrics(ctx context.Context) (*workerrpc.MetricsResp, error) {
	return &workerrpc.MetricsResp{}, nil
}
func (nopWorkerClient) Close() error { return nil }

func stubDial(t *testing.T) *[]string {
	t.Helper()
	prev := dial
	t.Cleanup(func() { dial = prev })

	var dialed []string
	dial = func(addr string) (workerrpc.Client, error) {
		dialed = append(dialed, addr)
		return nopWorkerClient{}, nil
	}
	return &dialed
}

func testSpec() metadatastore.JobSpecRow {
	return metadatastore.JobSpecRow{
		JobID:   "job-1",
		Config:  []byte(`{"id":"job-1","organization_id":"org-1","checkpoint_interval":60000000000}`),
		Program: []byte(`{"nodes":[{"node_id":1,"operators":[{"operator_id":"op-a"}],"parallelism":2,"is_source":true}]}`),
		Workers: []byte(`{"7":"worker-7:9000"}`),
	}
}

func TestBuildJobDecodesSpecAndDialsWorkers(t *testing.T) {
	dialed := stubDial(t)
	store, err := metadatastore.Open(":memory:", metadatastore.NewNotifier())
	require.NoError(t, err)
	defer store.Close()

	l := &Launcher{Store: store}
	jc, err := l.buildJob(context.Background(), testSpec(), 3)
	require.NoError(t, err)

	require.Equal(t, "job-1", jc.JobID)
	require.Equal(t, time.Minute, jc.Config.CheckpointInterval)
	require.Equal(t, 3, jc.RestartCount)
	require.Equal(t, []string{"worker-7:9000"}, *dialed)
	require.NotNil(t, jc.Controller)
	require.False(t, jc.StartedAt.IsZero())
}

func TestBuildJobRejectsCorruptSpec(t *testing.T) {
	stubDial(t)
	store, err := metadatastore.Open(":memory:", metadatastore.NewNotifier())
	require.NoError(t, err)
	defer store.Close()

	spec := testSpec()
	spec.Workers = []byte(`{"not-a-number":"worker:9000"}`)

	l := &Launcher{Store: store}
	_, err = l.buildJob(context.Background(), spec, 0)
	require.Error(t, err)
}

func TestTerminalFiltersStoppingAndFatal(t *testing.T) {
	require.True(t, terminal(state.TransitionStopping.String()))
	require.True(t, terminal(state.TransitionFatal.String()))
	require.False(t, terminal(state.TransitionRunning.String()))
	require.False(t, terminal(state.TransitionRecovering.String()))
}
