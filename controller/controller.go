package controller

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flowdag/jobcontrol/controller/bus"
	"github.com/flowdag/jobcontrol/controller/cleanup"
	"github.com/flowdag/jobcontrol/controller/errs"
	"github.com/flowdag/jobcontrol/jobmetrics"
	"github.com/flowdag/jobcontrol/metadatastore"
	"github.com/flowdag/jobcontrol/statebackend"
	"github.com/flowdag/jobcontrol/workerrpc"
)

// MetricsCollectionInterval is how often Progress refreshes the job's
// metric table from its workers.
const MetricsCollectionInterval = 10 * time.Second

// Progress is what one Progress() step reports back to the state
// machine, distinguishing "keep running" from "a source finished,
// move to Finishing".
type Progress int

const (
	ProgressContinue Progress = iota
	ProgressFinishing
)

// JobController is the top-level per-job driver: it owns the running
// job model, the job's admin-supplied configuration, and any
// in-flight background cleanup task.
type JobController struct {
	store   *metadatastore.Store
	backend *statebackend.Backend
	metrics *jobmetrics.Aggregator

	model  *RunningJobModel
	config bus.JobConfig

	cleanupTask     *cleanup.Task
	metricsInFlight atomic.Bool
}

// New builds a JobController for an already-constructed model.
func New(store *metadatastore.Store, backend *statebackend.Backend, metrics *jobmetrics.Aggregator, model *RunningJobModel, cfg bus.JobConfig) *JobController {
	return &JobController{store: store, backend: backend, metrics: metrics, model: model, config: cfg}
}

// UpdateConfig installs a new configuration snapshot. The Running state
// calls it only after ruling out a stop (stop mode), a restart
// (restart nonce), and a rescale (bus.RescaleNeeded).
func (c *JobController) UpdateConfig(cfg bus.JobConfig) {
	c.config = cfg
}

// HandleMessage forwards one running-message to the model.
func (c *JobController) HandleMessage(ctx context.Context, msg bus.RunningMessage) error {
	return c.model.HandleMessage(ctx, msg)
}

// Finished reports whether every task in the model has finished.
func (c *JobController) Finished() bool {
	return c.model.AllTasksFinished()
}

// OperatorParallelisms returns the actual per-node parallelism the
// model is running, for comparison against configured overrides.
func (c *JobController) OperatorParallelisms() map[uint32]int {
	out := make(map[uint32]int, len(c.model.OperatorParallelism))
	for node, p := range c.model.OperatorParallelism {
		out[node] = p
	}
	return out
}

// Checkpoint starts a new checkpoint if none is in flight. Returns
// whether it actually started one.
func (c *JobController) Checkpoint(ctx context.Context, thenStop bool) (bool, error) {
	if c.model.Coordination != nil {
		return false, nil
	}
	if err := c.model.StartCheckpoint(ctx, thenStop); err != nil {
		return false, err
	}
	return true, nil
}

// CheckpointFinished advances the coordination state machine if its
// current phase is done. It reports true only when coordination
// transitioned to nil during this call, not merely "is currently nil",
// so callers get exactly-once finalize detection.
func (c *JobController) CheckpointFinished(ctx context.Context) (bool, error) {
	before := c.model.Coordination
	if before != nil {
		if err := c.model.FinishCheckpointIfDone(ctx); err != nil {
			return false, err
		}
	}
	return before != nil && c.model.Coordination == nil, nil
}

// SendCommitMessages resends CommitReq to every worker for the
// currently-committing checkpoint. It is an error to call this outside
// the Committing phase.
func (c *JobController) SendCommitMessages(ctx context.Context) error {
	cs, ok := c.model.Coordination.(*CommittingState)
	if !ok {
		return errs.Newf(errs.InvariantViolation, "send_commit_messages called outside committing phase")
	}

	workers := make([]*WorkerStatus, 0, len(c.model.Workers))
	for _, w := range c.model.Workers {
		workers = append(workers, w)
	}
	req := &workerrpc.CommitReq{Epoch: c.model.Epoch, CommittingData: cs.CommittingData()}
	if err := joinAll(workers, func(w *WorkerStatus) error {
		return w.Client.Commit(ctx, req)
	}); err != nil {
		return errs.New(errs.Transport, err)
	}
	return nil
}

// StopJob broadcasts a stop request of the given mode to every worker.
func (c *JobController) StopJob(ctx context.Context, mode workerrpc.StopMode) error {
	workers := make([]*WorkerStatus, 0, len(c.model.Workers))
	for _, w := range c.model.Workers {
		workers = append(workers, w)
	}
	if err := joinAll(workers, func(w *WorkerStatus) error {
		return w.Client.StopExecution(ctx, mode)
	}); err != nil {
		return errs.New(errs.Transport, err)
	}
	return nil
}

// Progress runs one tick of the job's control loop:
// checks for worker/task failure, checks for a finished source, reaps
// any completed cleanup task, starts a new cleanup pass if due and
// idle, advances or starts a checkpoint, and refreshes metrics.
func (c *JobController) Progress(ctx context.Context) (Progress, error) {
	if c.model.Failed() {
		return ProgressContinue, errs.Newf(errs.WorkerTimeout, "worker or task failed")
	}

	if c.model.AnyFinishedSources() {
		return ProgressFinishing, nil
	}

	if c.cleanupTask != nil {
		if r, done := c.cleanupTask.TryRecv(); done {
			c.cleanupTask = nil
			if r.Err != nil {
				log.WithFields(log.Fields{"job_id": c.model.JobID, "error": r.Err}).Error("cleanup failed")
				time.Sleep(100 * time.Millisecond)
			} else {
				log.WithFields(log.Fields{"job_id": c.model.JobID, "min_epoch": r.NewMinEpoch}).Info("setting new min epoch")
				c.model.MinEpoch = r.NewMinEpoch
			}
		}
	}

	if newMin, ok := c.model.CleanupNeeded(); ok {
		if c.cleanupTask == nil && c.model.Coordination == nil {
			c.cleanupTask = cleanup.Start(ctx, c.model.JobID, c.model.MinEpoch, newMin, c.model.Epoch, c.store, c.backend)
		}
	}

	if c.model.Coordination != nil {
		if err := c.model.FinishCheckpointIfDone(ctx); err != nil {
			return ProgressContinue, err
		}
	} else if time.Since(c.model.LastCheckpoint) > c.config.CheckpointInterval && c.cleanupTask == nil {
		if _, err := c.Checkpoint(ctx, false); err != nil {
			return ProgressContinue, err
		}
	}

	if time.Since(c.model.LastUpdatedMetrics) > MetricsCollectionInterval {
		c.updateMetrics(ctx)
		c.model.LastUpdatedMetrics = time.Now()
	}

	return ProgressContinue, nil
}

// updateMetrics pulls a metrics snapshot from every running worker
// concurrently and ingests it into the shared aggregator. It is
// fire-and-forget and skipped entirely if a previous refresh is still
// in flight.
func (c *JobController) updateMetrics(ctx context.Context) {
	if !c.metricsInFlight.CompareAndSwap(false, true) {
		return
	}

	workers := make([]*WorkerStatus, 0, len(c.model.Workers))
	for _, w := range c.model.Workers {
		if w.State == WorkerRunning {
			workers = append(workers, w)
		}
	}

	go func() {
		defer c.metricsInFlight.Store(false)

		resps, _ := joinAllIndexed(workers, func(_ int, w *WorkerStatus) (*workerrpc.MetricsResp, error) {
			resp, err := w.Client.GetMetrics(ctx)
			if err != nil {
				log.WithFields(log.Fields{"job_id": c.model.JobID, "worker_id": w.ID, "error": err}).
					Warn("failed to collect metrics from worker")
				return nil, nil
			}
			return resp, nil
		})
		for i, resp := range resps {
			if resp != nil {
				c.metrics.Ingest(c.model.JobID, workers[i].Addr, resp)
			}
		}
	}()
}

// WaitForFinish blocks, processing messages from rx, until every task
// has finished. A ConfigUpdate requesting an immediate stop while
// waiting triggers StopJob right away rather than waiting for the next
// Progress tick.
func (c *JobController) WaitForFinish(ctx context.Context, rx <-chan bus.JobMessage) error {
	for {
		if c.model.AllTasksFinished() {
			return nil
		}

		msg, ok := <-rx
		if !ok {
			return errs.Newf(errs.ChannelClosed, "channel closed while waiting for job to finish")
		}

		switch m := msg.(type) {
		case bus.RunningEnvelope:
			if err := c.model.HandleMessage(ctx, m.Msg); err != nil {
				return err
			}
		case bus.ConfigUpdate:
			if m.Config.StopMode == bus.StopModeImmediate {
				log.WithFields(log.Fields{"job_id": c.model.JobID}).Info("stopping job immediately")
				if err := c.StopJob(ctx, workerrpc.StopImmediate); err != nil {
					return err
				}
			}
		default:
			// Other administrative variants are ignored here; the
			// running state's main loop handles them.
		}
	}
}
