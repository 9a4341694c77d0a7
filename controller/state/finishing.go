package state

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/flowdag/jobcontrol/controller/bus"
)

// Finishing drains a job whose source tasks have all completed: it
// waits for every remaining task to finish (the model itself notifies
// workers with job_finished once that happens) before handing off to
// Stopping for the final teardown.
type Finishing struct{}

func (s *Finishing) Name() string { return "Finishing" }

func (s *Finishing) Next(ctx context.Context, jc *JobContext) (Transition, error) {
	if stopIfDesiredStopped(jc) {
		return TransitionStopping, nil
	}

	log.WithFields(log.Fields{"job_id": jc.JobID}).Info("job finishing, draining remaining tasks")

	if err := jc.Controller.WaitForFinish(ctx, jc.Messages); err != nil {
		return TransitionRecovering, err
	}

	jc.StopMode = bus.StopModeGraceful
	return TransitionStopping, nil
}
