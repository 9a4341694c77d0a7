package state

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/flowdag/jobcontrol/workerrpc"
)

// Restarting handles a config update whose restart_nonce changed: the
// admin API is asking for a fresh run of the job (new code, new
// config, or an explicit operator-requested bounce). It stops the
// current execution gracefully, drains it, adopts the pending config,
// and resumes in Running.
type Restarting struct{}

func (s *Restarting) Name() string { return "Restarting" }

func (s *Restarting) Next(ctx context.Context, jc *JobContext) (Transition, error) {
	if stopIfDesiredStopped(jc) {
		return TransitionStopping, nil
	}

	log.WithFields(log.Fields{"job_id": jc.JobID, "restart_nonce": jc.Config.RestartNonce}).Info("restarting job")

	if err := jc.Controller.StopJob(ctx, workerrpc.StopGraceful); err != nil {
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
