package state

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/flowdag/jobcontrol/workerrpc"
)

// Rescaling applies a disagreeing parallelism-override config: workers
// must restart with the new operator parallelism, so it stops the
// current execution on a checkpoint boundary, waits for it to drain,
// adopts the pending configuration, and hands back to Running. It does
// not rebuild the running-job model or reconnect workers: Running
// resumes with the same JobController and worker set.
type Rescaling struct{}

func (s *Rescaling) Name() string { return "Rescaling" }

func (s *Rescaling) Next(ctx context.Context, jc *JobContext) (Transition, error) {
	if stopIfDesiredStopped(jc) {
		return TransitionStopping, nil
	}

	log.WithFields(log.Fields{"job_id": jc.JobID}).Info("rescaling job")

	if err := jc.Controller.StopJob(ctx, workerrpc.StopCheckpoint); err != nil {
		return TransitionRecovering, err
	}
	if err := jc.Controller.WaitForFinish(ctx, jc.Messages); err != nil {
		return TransitionRecovering, err
	}

	if jc.PendingConfig != nil {
		jc.Config = *jc.PendingConfig
		jc.PendingConfig = nil
	}

	return TransitionRunning, nil
}
