package state

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// recoveringBackoff bounds how long Recovering waits before handing
// control back to Running, giving a flaky worker connection or a
// transient storage hiccup a moment to clear.
const recoveringBackoff = 500 * time.Millisecond

// Recovering is entered after a non-fatal error: a progress error in
// Running (a worker timeout or a failed task), a message-handling error
// in Running (including an exhausted in-step retry budget), or a failed
// stop or drain in Restarting, Rescaling or Finishing. Only the
// progress-error path increments the restart count (in Running, before
// the transition); the other paths reach Recovering without counting a
// restart or checking the restart budget. Recovering's job is to pause
// briefly and hand control back, relying on the model's own
// failed()/heartbeat bookkeeping to have already recorded what went
// wrong.
type Recovering struct{}

func (s *Recovering) Name() string { return "Recovering" }

func (s *Recovering) Next(ctx context.Context, jc *JobContext) (Transition, error) {
	if stopIfDesiredStopped(jc) {
		return TransitionStopping, nil
	}

	log.WithFields(log.Fields{"job_id": jc.JobID, "restarts": jc.RestartCount, "last_error": jc.LastError}).
		Warn("recovering job")

	select {
	case <-ctx.Done():
		return TransitionFatal, ctx.Err()
	case <-time.After(recoveringBackoff):
	}

	return TransitionRunning, nil
}
