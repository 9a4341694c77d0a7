package state

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/flowdag/jobcontrol/controller/bus"
	"github.com/flowdag/jobcontrol/metadatastore"
	"github.com/flowdag/jobcontrol/workerrpc"
)

// Stopping is the terminal state that tears a job down: it broadcasts
// stop_execution in the requested mode to every worker and returns,
// ending the state machine's Run loop.
type Stopping struct{}

func (s *Stopping) Name() string { return "Stopping" }

func (s *Stopping) Next(ctx context.Context, jc *JobContext) (Transition, error) {
	mode := toWireStopMode(jc.StopMode)

	log.WithFields(log.Fields{"job_id": jc.JobID, "stop_mode": mode}).Info("stopping job")

	if err := jc.Controller.StopJob(ctx, mode); err != nil {
		log.WithFields(log.Fields{"job_id": jc.JobID, "error": err}).Warn("error broadcasting stop to workers")
	}

	status := metadatastore.JobStatus{
		JobID:    jc.JobID,
		State:    TransitionStopping.String(),
		Restarts: jc.RestartCount,
	}
	if err := jc.Store.UpdateJobStatus(ctx, status); err != nil {
		log.WithFields(log.Fields{"job_id": jc.JobID, "error": err}).Warn("failed to persist job status")
	}

	return TransitionStopping, nil
}

func toWireStopMode(m bus.StopMode) workerrpc.StopMode {
	switch m {
	case bus.StopModeGraceful:
		return workerrpc.StopGraceful
	case bus.StopModeCheckpoint:
		return workerrpc.StopCheckpoint
	case bus.StopModeImmediate:
		return workerrpc.StopImmediate
	default:
		return workerrpc.StopNone
	}
}
