// Package state implements the job controller's top-level state
// machine: Running and its five possible successor states, driven by
// model progress, worker events, and configuration updates.
package state

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flowdag/jobcontrol/controller"
	"github.com/flowdag/jobcontrol/controller/bus"
	"github.com/flowdag/jobcontrol/metadatastore"
)

// Transition names the state a job moves to after one State's Next
// call returns. Restarting/Recovering/Rescaling carry no payload of
// their own here; JobContext already holds everything the next state
// needs (desired config, restart count, etc).
type Transition int

const (
	TransitionRunning Transition = iota
	TransitionRestarting
	TransitionRecovering
	TransitionRescaling
	TransitionFinishing
	TransitionStopping
	TransitionFatal
)

func (t Transition) String() string {
	switch t {
	case TransitionRunning:
		return "Running"
	case TransitionRestarting:
		return "Restarting"
	case TransitionRecovering:
		return "Recovering"
	case TransitionRescaling:
		return "Rescaling"
	case TransitionFinishing:
		return "Finishing"
	case TransitionStopping:
		return "Stopping"
	case TransitionFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// JobContext is the shared, mutable context every state's Next call
// operates against: the job controller itself, the job's current
// configuration, its inbound message channel, and restart bookkeeping
// the state machine needs across transitions.
type JobContext struct {
	JobID string

	Controller *controller.JobController
	Messages   <-chan bus.JobMessage
	Store      *metadatastore.Store

	Config bus.JobConfig

	// StartedAt is when this process launched the job (the launcher
	// sets it when it resumes the job's spec). The TTL deadline is
	// measured from it, not from the most recent entry into Running,
	// so a preview job cannot outlive its lifetime by recovering. A
	// daemon restart resumes the job with a new StartedAt.
	StartedAt time.Time

	RestartCount  int
	RunningSince  time.Time
	StopMode      bus.StopMode
	LastError     string
	PendingConfig *bus.JobConfig
}

// stopIfDesiredStopped is the guard every state runs before its own
// work: a config already requesting an immediate stop short-circuits
// straight to Stopping.
func stopIfDesiredStopped(jc *JobContext) bool {
	if jc.Config.StopMode == bus.StopModeImmediate {
		jc.StopMode = bus.StopModeImmediate
		return true
	}
	return false
}

// State is one node of the job state machine. Next runs until a
// transition is warranted, blocking on JobContext.Messages and
// internal timers as appropriate; it returns the transition to make
// and any error that forced it.
type State interface {
	Name() string
	Next(ctx context.Context, jc *JobContext) (Transition, error)
}

// Run drives states starting from initial until a terminal transition
// is reached, persisting the job's status in the metadata store on
// every transition. Fatal returns immediately; Stopping runs the full
// stop sequence (worker stop broadcast, final status write) and then
// returns.
func Run(ctx context.Context, jc *JobContext, initial State) error {
	current := initial

	for {
		transition, err := current.Next(ctx, jc)

		status := metadatastore.JobStatus{
			JobID:     jc.JobID,
			State:     transition.String(),
			Restarts:  jc.RestartCount,
			UpdatedAt: time.Now(),
		}
		if err != nil {
			jc.LastError = err.Error()
			status.LastError = jc.LastError
		}
		if uerr := jc.Store.UpdateJobStatus(ctx, status); uerr != nil {
			log.WithFields(log.Fields{"job_id": jc.JobID, "state": status.State, "error": uerr}).Warn("failed to persist job status")
		}

		if transition == TransitionFatal {
			return err
		}
		if transition == TransitionStopping {
			if _, isStopping := current.(*Stopping); isStopping {
				return err
			}
			current = &Stopping{}
			continue
		}

		current = nextState(transition)
	}
}

func nextState(t Transition) State {
	switch t {
	case TransitionRunning:
		return &Running{}
	case TransitionRestarting:
		return &Restarting{}
	case TransitionRecovering:
		return &Recovering{}
	case TransitionRescaling:
		return &Rescaling{}
	case TransitionFinishing:
		return &Finishing{}
	default:
		return &Running{}
	}
}
