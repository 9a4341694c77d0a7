// Package launch resumes persisted jobs at daemon startup: it reads
// every job spec from the metadata store, reconnects the workers named
// by each spec, rebuilds the running-job model at the last persisted
// epoch, and drives each job through the state machine on its own
// goroutine.
package launch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flowdag/jobcontrol/controller"
	"github.com/flowdag/jobcontrol/controller/bus"
	"github.com/flowdag/jobcontrol/controller/state"
	"github.com/flowdag/jobcontrol/jobmetrics"
	"github.com/flowdag/jobcontrol/metadatastore"
	"github.com/flowdag/jobcontrol/statebackend"
	"github.com/flowdag/jobcontrol/workerrpc"
)

// messageBuffer bounds how many inbound events a job's channel absorbs
// while the state machine is mid-step.
const messageBuffer = 64

// dial is swapped out by tests that resume jobs without real workers.
var dial = workerrpc.Dial

// Launcher resumes and runs jobs against the process-wide gateways.
type Launcher struct {
	Store   *metadatastore.Store
	Backend *statebackend.Backend
	Metrics *jobmetrics.Aggregator
	// Watcher delivers cross-process config pushes; nil disables them.
	Watcher *metadatastore.ConfigWatcher
}

// ResumeAll starts every persisted job whose status is not terminal,
// returning how many were launched. Each job runs on its own goroutine
// until its state machine reaches a terminal transition.
func (l *Launcher) ResumeAll(ctx context.Context) (int, error) {
	specs, err := l.Store.ListJobSpecs(ctx)
	if err != nil {
		return 0, err
	}

	launched := 0
	for _, spec := range specs {
		status, err := l.Store.GetJobStatus(ctx, spec.JobID)
		if err == nil && terminal(status.State) {
			continue
		}

		jc, err := l.buildJob(ctx, spec, status.Restarts)
		if err != nil {
			log.WithFields(log.Fields{"job_id": spec.JobID, "error": err}).Error("failed to resume job")
			continue
		}
		launched++

		go func(jc *state.JobContext) {
			if err := state.Run(ctx, jc, &state.Running{}); err != nil {
				log.WithFields(log.Fields{"job_id": jc.JobID, "error": err}).Error("job ended with error")
			} else {
				log.WithFields(log.Fields{"job_id": jc.JobID}).Info("job ended")
			}
		}(jc)
	}
	return launched, nil
}

func terminal(jobState string) bool {
	return jobState == state.TransitionStopping.String() || jobState == state.TransitionFatal.String()
}

// buildJob turns one persisted spec into a ready-to-run JobContext:
// decoded config and program, dialed workers, a model resumed at the
// last persisted epoch, and (when a watcher is configured) a config
// feed merged onto the job's message channel.
func (l *Launcher) buildJob(ctx context.Context, spec metadatastore.JobSpecRow, restarts int) (*state.JobContext, error) {
	var cfg bus.JobConfig
	if err := json.Unmarshal(spec.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config for job %s: %w", spec.JobID, err)
	}
	var program controller.Program
	if err := json.Unmarshal(spec.Program, &program); err != nil {
		return nil, fmt.Errorf("decoding program for job %s: %w", spec.JobID, err)
	}
	var addrs map[string]string
	if err := json.Unmarshal(spec.Workers, &addrs); err != nil {
		return nil, fmt.Errorf("decoding workers for job %s: %w", spec.JobID, err)
	}

	workers := make(map[uint64]*controller.WorkerStatus, len(addrs))
	for rawID, addr := range addrs {
		id, err := strconv.ParseUint(rawID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decoding worker id %q for job %s: %w", rawID, spec.JobID, err)
		}
		client, err := dial(addr)
		if err != nil {
			return nil, fmt.Errorf("dialing worker %d for job %s: %w", id, spec.JobID, err)
		}
		workers[id] = &controller.WorkerStatus{
			ID:            id,
			Addr:          addr,
			Client:        client,
			LastHeartbeat: time.Now(),
			State:         controller.WorkerRunning,
		}
	}

	var epoch, minEpoch uint32
	limit := 1
	if rows, _, err := l.Store.ListCheckpoints(ctx, spec.JobID, &limit); err == nil && len(rows) > 0 {
		epoch = uint32(rows[0].Epoch)
		minEpoch = uint32(rows[0].MinEpoch)
	}

	model := controller.NewRunningJobModel(
		spec.JobID, cfg.OrganizationID, &program, epoch, minEpoch,
		workers, cfg.CheckpointInterval, nil, l.Store, l.Backend, l.Metrics,
	)

	msgs := make(chan bus.JobMessage, messageBuffer)
	if l.Watcher != nil {
		go l.feedConfigUpdates(ctx, spec.JobID, spec.Config, msgs)
	}

	log.WithFields(log.Fields{
		"job_id": spec.JobID, "workers": len(workers), "epoch": epoch, "min_epoch": minEpoch,
	}).Info("resuming job")

	return &state.JobContext{
		JobID:        spec.JobID,
		Controller:   controller.New(l.Store, l.Backend, l.Metrics, model, cfg),
		Messages:     msgs,
		Store:        l.Store,
		Config:       cfg,
		StartedAt:    time.Now(),
		RestartCount: restarts,
	}, nil
}

// feedConfigUpdates turns the watcher's raw payloads into ConfigUpdate
// messages. A payload may be a full replacement document or a JSON
// merge patch against the job's last-known config; both shapes pass
// through ApplyMergePatch, and only a materially changed result is
// forwarded to the state machine.
func (l *Launcher) feedConfigUpdates(ctx context.Context, jobID string, doc []byte, msgs chan<- bus.JobMessage) {
	cur := doc
	for patch := range l.Watcher.Watch(ctx, jobID) {
		merged, err := bus.ApplyMergePatch(cur, patch)
		if err != nil {
			log.WithFields(log.Fields{"job_id": jobID, "error": err}).Warn("dropping malformed config patch")
			continue
		}

		var curCfg, nextCfg bus.JobConfig
		if err := json.Unmarshal(cur, &curCfg); err != nil {
			log.WithFields(log.Fields{"job_id": jobID, "error": err}).Warn("corrupt current config document")
			continue
		}
		if err := json.Unmarshal(merged, &nextCfg); err != nil {
			log.WithFields(log.Fields{"job_id": jobID, "error": err}).Warn("dropping config patch yielding invalid config")
			continue
		}

		changed, summary, err := bus.Diff(curCfg, nextCfg)
		if err != nil {
			log.WithFields(log.Fields{"job_id": jobID, "error": err}).Warn("failed to diff config update")
			continue
		}
		if !changed {
			continue
		}

		log.WithFields(log.Fields{"job_id": jobID, "diff": summary}).Info("applying config update")
		cur = merged

		select {
		case msgs <- bus.ConfigUpdate{Config: nextCfg}:
		case <-ctx.Done():
			return
		}
	}
}
