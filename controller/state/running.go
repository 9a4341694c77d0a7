package state

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flowdag/jobcontrol/config"
	"github.com/flowdag/jobcontrol/controller"
	"github.com/flowdag/jobcontrol/controller/bus"
	"github.com/flowdag/jobcontrol/controller/errs"
	"github.com/flowdag/jobcontrol/metadatastore"
)

const logHeartbeatInterval = 60 * time.Second
const progressTickInterval = 200 * time.Millisecond

// Running is the job state machine's steady-state node: it composes
// message reception, a 200ms progress tick, a 60s log heartbeat, and
// an optional TTL deadline into one cooperative select loop, with
// deterministic priority message > progress > log > TTL on a tie.
type Running struct{}

func (s *Running) Name() string { return "Running" }

func (s *Running) Next(ctx context.Context, jc *JobContext) (Transition, error) {
	if stopIfDesiredStopped(jc) {
		return TransitionStopping, nil
	}

	pipeline := config.Get().Pipeline
	runningStart := time.Now()
	jc.RunningSince = runningStart

	progressTicker := time.NewTicker(progressTickInterval)
	defer progressTicker.Stop()
	logTicker := time.NewTicker(logHeartbeatInterval)
	defer logTicker.Stop()

	var ttlCh <-chan time.Time
	if jc.Config.TTL != nil {
		started := jc.StartedAt
		if started.IsZero() {
			started = runningStart
		}
		remaining := time.Until(started.Add(*jc.Config.TTL))
		if remaining < 0 {
			remaining = 0
		}
		ttlTimer := time.NewTimer(remaining)
		defer ttlTimer.Stop()
		ttlCh = ttlTimer.C
	}

	handleMessage := func(msg bus.JobMessage, ok bool) (Transition, error, bool) {
		if !ok {
			return TransitionFatal, errs.Newf(errs.ChannelClosed, "job message channel closed while running"), true
		}

		switch m := msg.(type) {
		case bus.ConfigUpdate:
			if m.Config.StopMode == bus.StopModeImmediate {
				jc.Config = m.Config
				jc.StopMode = bus.StopModeImmediate
				return TransitionStopping, nil, true
			}
			if m.Config.RestartNonce != jc.Config.RestartNonce {
				jc.PendingConfig = &m.Config
				return TransitionRestarting, nil, true
			}
			if bus.RescaleNeeded(m.Config, jc.Controller.OperatorParallelisms()) {
				jc.PendingConfig = &m.Config
				return TransitionRescaling, nil, true
			}
			jc.Config = m.Config
			jc.Controller.UpdateConfig(m.Config)

		case bus.RunningEnvelope:
			if err := retryable(ctx, func(ctx context.Context) error {
				return jc.Controller.HandleMessage(ctx, m.Msg)
			}); err != nil {
				return TransitionRecovering, err, true
			}
		}
		return 0, nil, false
	}

	handleProgress := func() (Transition, error, bool) {
		if jc.RestartCount > 0 && time.Since(runningStart) > pipeline.HealthyDuration {
			restarts := jc.RestartCount
			jc.RestartCount = 0
			status := metadatastore.JobStatus{
				JobID:     jc.JobID,
				State:     TransitionRunning.String(),
				Restarts:  jc.RestartCount,
				UpdatedAt: time.Now(),
			}
			if err := jc.Store.UpdateJobStatus(ctx, status); err != nil {
				log.WithFields(log.Fields{"job_id": jc.JobID, "error": err}).Error("failed to update status")
				jc.RestartCount = restarts
			}
		}

		progress, err := jc.Controller.Progress(ctx)
		if err != nil {
			log.WithFields(log.Fields{"job_id": jc.JobID, "error": err, "is_preview": jc.Config.IsPreview()}).
				Error("error while running")

			if jc.Config.IsPreview() {
				return TransitionFatal, err, true
			}
			if pipeline.AllowedRestarts != -1 && jc.RestartCount >= pipeline.AllowedRestarts {
				return TransitionFatal, err, true
			}
			jc.RestartCount++
			return TransitionRecovering, err, true
		}
		if progress == controller.ProgressFinishing {
			return TransitionFinishing, nil, true
		}
		return 0, nil, false
	}

	// The cooperative loop polls in deterministic priority order
	// (message > progress tick > log heartbeat > TTL):
	// plain Go select picks uniformly among ready cases, so each tier
	// is first drained non-blockingly before falling back to a
	// blocking select across every source when none is ready.
	for {
		select {
		case msg, ok := <-jc.Messages:
			if t, err, done := handleMessage(msg, ok); done {
				return t, err
			}
			continue
		default:
		}

		select {
		case <-progressTicker.C:
			if t, err, done := handleProgress(); done {
				return t, err
			}
			continue
		default:
		}

		select {
		case <-logTicker.C:
			log.WithFields(log.Fields{"job_id": jc.JobID, "duration": time.Since(runningStart)}).Info("job running")
			continue
		default:
		}

		select {
		case <-ttlCh:
			jc.StopMode = bus.StopModeImmediate
			return TransitionStopping, nil
		default:
		}

		select {
		case msg, ok := <-jc.Messages:
			if t, err, done := handleMessage(msg, ok); done {
				return t, err
			}
		case <-progressTicker.C:
			if t, err, done := handleProgress(); done {
				return t, err
			}
		case <-logTicker.C:
			log.WithFields(log.Fields{"job_id": jc.JobID, "duration": time.Since(runningStart)}).Info("job running")
		case <-ttlCh:
			jc.StopMode = bus.StopModeImmediate
			return TransitionStopping, nil
		}
	}
}
