// Package cleanup is the job controller's background compaction
// worker: it narrows a job's retained checkpoint window and drops
// stale metadata rows without blocking the job's main control loop.
package cleanup

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flowdag/jobcontrol/metadatastore"
	"github.com/flowdag/jobcontrol/statebackend"
)

// CheckpointRowsToKeep bounds how much checkpoint-row history a
// long-lived job accumulates in the metadata store.
const CheckpointRowsToKeep = 100

// Result is what one cleanup pass yields: the job's new min_epoch, or
// an error if the pass failed.
type Result struct {
	NewMinEpoch uint32
	Err         error
}

// Task is a handle to a cleanup pass running in the background. The
// job state machine polls it with TryRecv each progress tick rather
// than blocking on it.
type Task struct {
	result chan Result
}

// TryRecv reports the task's result without blocking if it has
// finished, or ok=false if it is still running.
func (t *Task) TryRecv() (r Result, ok bool) {
	select {
	case r := <-t.result:
		return r, true
	default:
		return Result{}, false
	}
}

// Start spawns a cleanup pass narrowing jobID's retained window from
// curMin to newMin at curEpoch. The caller must not spawn a second
// Task for the same job while one is still outstanding: cleanup never
// runs concurrently with checkpointing.
func Start(ctx context.Context, jobID string, curMin, newMin, curEpoch uint32, store *metadatastore.Store, backend *statebackend.Backend) *Task {
	t := &Task{result: make(chan Result, 1)}

	go func() {
		start := time.Now()
		log.WithFields(log.Fields{"job_id": jobID, "min_epoch": curMin, "new_min": newMin}).Info("starting cleaning")

		r := runCleanup(ctx, jobID, curMin, newMin, curEpoch, store, backend)
		if r.Err != nil {
			log.WithFields(log.Fields{"job_id": jobID, "error": r.Err}).Error("cleanup failed")
		} else {
			log.WithFields(log.Fields{
				"job_id": jobID, "min_epoch": curMin, "new_min": newMin,
				"duration": time.Since(start),
			}).Info("finished cleaning")
		}
		t.result <- r
	}()

	return t
}

func runCleanup(ctx context.Context, jobID string, curMin, newMin, curEpoch uint32, store *metadatastore.Store, backend *statebackend.Backend) (result Result) {
	defer func() {
		if p := recover(); p != nil {
			log.WithFields(log.Fields{"job_id": jobID, "panic": p}).Error("cleanup panicked")
			result = Result{Err: fmt.Errorf("cleanup panicked: %v", p)}
		}
	}()

	metadata, err := backend.LoadCheckpointMetadata(ctx, jobID, int32(curEpoch))
	if err != nil {
		return Result{Err: fmt.Errorf("loading checkpoint metadata for cleanup: %w", err)}
	}

	if err := store.MarkCompacting(ctx, jobID, int32(curMin), int32(newMin)); err != nil {
		return Result{Err: fmt.Errorf("marking job compacting: %w", err)}
	}

	if err := backend.CleanupCheckpoint(ctx, metadata, jobID, int32(curMin), int32(newMin)); err != nil {
		return Result{Err: fmt.Errorf("cleaning up checkpoint objects: %w", err)}
	}

	if err := store.MarkCheckpointsCompacted(ctx, jobID, int32(newMin)); err != nil {
		return Result{Err: fmt.Errorf("marking checkpoints compacted: %w", err)}
	}

	if curMin > CheckpointRowsToKeep {
		if err := store.DropOldCheckpointRows(ctx, jobID, int32(curMin-CheckpointRowsToKeep)); err != nil {
			return Result{Err: fmt.Errorf("dropping old checkpoint rows: %w", err)}
		}
	}

	return Result{NewMinEpoch: newMin}
}
