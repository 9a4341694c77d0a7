package controller

import (
	"context"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flowdag/jobcontrol/config"
	"github.com/flowdag/jobcontrol/controller/errs"
	"github.com/flowdag/jobcontrol/metadatastore"
	"github.com/flowdag/jobcontrol/statebackend"
	"github.com/flowdag/jobcontrol/workerrpc"
)

// CheckpointsToKeep bounds how many trailing epochs of checkpoint
// state stay retained before cleanup narrows the window.
const CheckpointsToKeep = 4

// CompactEvery gates how often cleanup is considered, in epochs.
const CompactEvery = 2

// CheckpointRowsToKeep bounds how much checkpoint-row history a
// long-lived job accumulates in the metadata store.
const CheckpointRowsToKeep = 100

// StartCheckpoint begins a new epoch's checkpoint: it requires no
// coordination state be active. It increments the epoch, opens the
// Checkpointing and CheckpointingOperators spans, fans a checkpoint
// request out to every worker concurrently, mints a checkpoint id, and
// persists a new InProgress row before installing fresh coordination
// state.
func (m *RunningJobModel) StartCheckpoint(ctx context.Context, thenStop bool) error {
	if m.Coordination != nil {
		return errs.Newf(errs.InvariantViolation, "start_checkpoint called with coordination already active")
	}
	if m.Epoch >= math.MaxInt32 {
		// The metadata store persists epoch as a signed 32-bit column;
		// an increment past that range would silently wrap on write,
		// so it is refused here instead.
		return errs.Newf(errs.InvariantViolation, "epoch %d would overflow the metadata store's signed 32-bit column", m.Epoch)
	}

	m.Epoch++
	log.WithFields(log.Fields{"job_id": m.JobID, "epoch": m.Epoch, "then_stop": thenStop}).Info("starting checkpointing")

	m.CheckpointSpans = nil
	m.StartOrGetSpan(ctx, EventCheckpointing)
	m.StartOrGetSpan(ctx, EventCheckpointingOperators)

	workers := make([]*WorkerStatus, 0, len(m.Workers))
	for _, w := range m.Workers {
		workers = append(workers, w)
	}

	req := &workerrpc.CheckpointReq{
		Epoch:           m.Epoch,
		TimestampMicros: uint64(time.Now().UnixMicro()),
		MinEpoch:        m.MinEpoch,
		ThenStop:        thenStop,
		IsCommit:        false,
	}
	if err := joinAll(workers, func(w *WorkerStatus) error {
		return w.Client.Checkpoint(ctx, req)
	}); err != nil {
		return errs.New(errs.Transport, err)
	}

	checkpointID := newCheckpointID()
	if err := m.store.CreateCheckpoint(ctx, checkpointID, m.OrganizationID, m.JobID, "gcs", int32(m.Epoch), int32(m.MinEpoch), time.Now()); err != nil {
		return errs.New(errs.StorageError, err)
	}

	m.Coordination = NewCheckpointingState(checkpointID, m.Epoch, m.MinEpoch, m.Program, m.OperatorParallelism)
	return nil
}

// FinishCheckpointIfDone advances the coordination state machine if its
// current phase is done, persisting the corresponding metadata store
// row transition. It is a no-op if the current
// phase has not finished yet.
func (m *RunningJobModel) FinishCheckpointIfDone(ctx context.Context) error {
	if m.Coordination == nil || !m.Coordination.Done() {
		return nil
	}

	switch cs := m.Coordination.(type) {
	case *CheckpointingState:
		return m.finishCheckpointingPhase(ctx, cs)
	case *CommittingState:
		return m.finishCommittingPhase(ctx, cs)
	default:
		return errs.Newf(errs.InvariantViolation, "unrecognized coordination state %T", cs)
	}
}

func (m *RunningJobModel) finishCheckpointingPhase(ctx context.Context, cs *CheckpointingState) error {
	metadataSpan := m.StartOrGetSpan(ctx, EventWritingMetadata)
	if err := cs.WriteMetadata(ctx, m.backend, m.JobID); err != nil {
		recordSpanError(metadataSpan, err)
		return err
	}
	metadataSpan.Finish()

	committing := cs.CommittingState()
	if committing.Done() {
		// No operator declared commit work: finalize immediately.
		if span := m.findSpan(EventCheckpointing); span != nil {
			span.Finish()
		}
		spans, err := marshalSpans(m.CheckpointSpans)
		if err != nil {
			return err
		}
		if err := m.store.UpdateCheckpoint(ctx, cs.CheckpointID(), nil, timePtr(time.Now()), metadatastore.StateReady, spans); err != nil {
			return errs.New(errs.StorageError, err)
		}
		m.LastCheckpoint = time.Now()
		m.Coordination = nil

		if err := m.compactState(ctx); err != nil {
			return err
		}

		log.WithFields(log.Fields{"job_id": m.JobID, "epoch": m.Epoch}).Info("finished checkpointing")
		return nil
	}

	spans, err := marshalSpans(m.CheckpointSpans)
	if err != nil {
		return err
	}
	if err := m.store.UpdateCheckpoint(ctx, cs.CheckpointID(), nil, nil, metadatastore.StateCommitting, spans); err != nil {
		return errs.New(errs.StorageError, err)
	}

	m.Coordination = committing
	log.WithFields(log.Fields{"job_id": m.JobID, "epoch": m.Epoch}).Info("committing checkpoint")

	m.StartOrGetSpan(ctx, EventCommitting)

	workers := make([]*WorkerStatus, 0, len(m.Workers))
	for _, w := range m.Workers {
		workers = append(workers, w)
	}
	req := &workerrpc.CommitReq{Epoch: m.Epoch, CommittingData: committing.CommittingData()}
	if err := joinAll(workers, func(w *WorkerStatus) error {
		return w.Client.Commit(ctx, req)
	}); err != nil {
		return errs.New(errs.Transport, err)
	}

	return nil
}

func (m *RunningJobModel) finishCommittingPhase(ctx context.Context, cs *CommittingState) error {
	if span := m.findSpan(EventCommitting); span != nil {
		span.Finish()
	}
	if span := m.findSpan(EventCheckpointing); span != nil {
		span.Finish()
	}

	spans, err := marshalSpans(m.CheckpointSpans)
	if err != nil {
		return err
	}
	if err := m.store.CommitCheckpoint(ctx, cs.CheckpointID(), time.Now(), spans); err != nil {
		return errs.New(errs.StorageError, err)
	}

	m.LastCheckpoint = time.Now()
	m.Coordination = nil

	log.WithFields(log.Fields{"job_id": m.JobID, "epoch": m.Epoch}).Info("finished committing checkpoint")
	return nil
}

// compactState pushes per-operator compacted state to every worker.
// It is a no-op if compaction is globally disabled. Per-operator
// compaction runs sequentially (the state backend's compaction is
// single-writer per (job, operator) by construction); the per-worker
// pushes for one operator's result run concurrently.
func (m *RunningJobModel) compactState(ctx context.Context) error {
	if !config.Get().Pipeline.CompactionEnabled {
		log.Debug("compaction is disabled, skipping compaction")
		return nil
	}

	span := m.StartOrGetSpan(ctx, EventCompacting)
	log.WithFields(log.Fields{"job_id": m.JobID, "epoch": m.Epoch}).Info("compacting state")

	workers := make([]*WorkerStatus, 0, len(m.Workers))
	for _, w := range m.Workers {
		workers = append(workers, w)
	}

	for _, no := range m.Program.Operators() {
		files, err := m.backend.CompactOperator(ctx, m.JobID, no.Operator.OperatorID, int32(m.Epoch))
		if err != nil {
			wrapped := errs.New(errs.StorageError, err)
			recordSpanError(span, wrapped)
			return wrapped
		}
		if len(files) == 0 {
			continue
		}

		req := &workerrpc.LoadCompactedDataReq{
			NodeID:            no.Node.NodeID,
			OperatorID:        no.Operator.OperatorID,
			CompactedMetadata: toWireCompactedFiles(files),
		}
		if err := joinAll(workers, func(w *WorkerStatus) error {
			return w.Client.LoadCompactedData(ctx, req)
		}); err != nil {
			return errs.New(errs.Transport, err)
		}
	}

	span.Finish()
	log.WithFields(log.Fields{"job_id": m.JobID, "epoch": m.Epoch}).Info("finished compaction")
	return nil
}

// CleanupNeeded reports the new min_epoch cleanup should target, or
// false if no cleanup is due yet.
func (m *RunningJobModel) CleanupNeeded() (uint32, bool) {
	if m.Epoch-m.MinEpoch > CheckpointsToKeep && m.Epoch%CompactEvery == 0 {
		return m.Epoch - CheckpointsToKeep, true
	}
	return 0, false
}

func timePtr(t time.Time) *time.Time { return &t }

func toWireCompactedFiles(files []statebackend.CompactedFile) []*workerrpc.CompactedFile {
	out := make([]*workerrpc.CompactedFile, 0, len(files))
	for _, f := range files {
		out = append(out, &workerrpc.CompactedFile{Path: f.Path, SizeBytes: f.SizeBytes, Digest: f.Digest})
	}
	return out
}
