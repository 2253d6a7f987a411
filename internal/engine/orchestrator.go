package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corentel/difysync/internal/apperrors"
	"github.com/corentel/difysync/internal/metastore"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultParallelism = 4
)

// Config holds the orchestrator tunables. Everything is passed in explicitly
// at construction; the orchestrator keeps no global state.
type Config struct {
	// Interval is the idle time between the end of one cycle and the start
	// of the next.
	Interval time.Duration
	// Parallelism bounds the number of concurrent item pipelines.
	Parallelism int
	// Retry applies per item per step (download, upload, removal).
	Retry RetryPolicy
	// Removal decides whether remote deletions propagate to the sink.
	Removal RemovalPolicy
}

// Orchestrator drives full sync cycles: snapshot, diff, per-item pipelines,
// commit. It is the sole writer of the metadata store.
type Orchestrator struct {
	provider TreeProvider
	sink     IngestionSink
	store    *metastore.Store
	archive  Archive
	cfg      Config
	sleep    SleepFunc
	logger   *slog.Logger
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithArchive enables local mirroring of ingested bytes.
func WithArchive(a Archive) Option {
	return func(o *Orchestrator) {
		o.archive = a
	}
}

// WithSleep replaces the delay function, used by tests to avoid real time.
func WithSleep(sleep SleepFunc) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// New creates an orchestrator.
func New(provider TreeProvider, sink IngestionSink, store *metastore.Store, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.Removal == "" {
		cfg.Removal = RemovalLocal
	}

	orch := &Orchestrator{
		provider: provider,
		sink:     sink,
		store:    store,
		cfg:      cfg,
		sleep:    Sleep,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(orch)
	}
	return orch
}

// Run executes cycles until the context is canceled, idling cfg.Interval
// between the end of one cycle and the start of the next. A slow cycle never
// overlaps the following one. Cycle-level failures are logged and retried at
// the next interval rather than terminating the loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "watch started",
		"interval", o.cfg.Interval,
		"parallelism", o.cfg.Parallelism,
		"removal", o.cfg.Removal)

	for {
		result, err := o.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			o.logger.InfoContext(ctx, "watch stopping")
			return nil
		case err != nil:
			o.logger.ErrorContext(ctx, "cycle failed, will retry at next interval", "error", err)
		default:
			o.logger.InfoContext(ctx, "cycle complete",
				"added", result.Added,
				"modified", result.Modified,
				"removed", result.Removed,
				"failed", result.Failed)
		}

		if sleepErr := o.sleep(ctx, o.cfg.Interval); sleepErr != nil {
			o.logger.InfoContext(ctx, "watch stopping")
			return nil
		}
	}
}

// RunOnce executes exactly one cycle and returns its outcome. A failure to
// obtain the snapshot or to read the store aborts the cycle with no record
// mutated; remote deletion is never inferred from an incomplete listing.
func (o *Orchestrator) RunOnce(ctx context.Context) (CycleResult, error) {
	started := time.Now()

	snapshot, err := o.provider.ListRecursive(ctx)
	if err != nil {
		return CycleResult{}, fmt.Errorf("%w: %w", apperrors.ErrSnapshotUnavailable, err)
	}

	records, err := o.store.ListAll(ctx)
	if err != nil {
		return CycleResult{}, fmt.Errorf("list store records: %w", err)
	}

	cs := Diff(snapshot, records)
	o.logger.DebugContext(ctx, "changeset computed",
		"snapshot", len(snapshot),
		"tracked", len(records),
		"added", len(cs.Added),
		"modified", len(cs.Modified),
		"removed", len(cs.Removed))

	result := CycleResult{
		Added:    len(cs.Added),
		Modified: len(cs.Modified),
		Removed:  len(cs.Removed),
	}
	if cs.Empty() {
		return result, nil
	}

	entriesByID := make(map[string]SnapshotEntry, len(snapshot))
	for _, entry := range snapshot {
		entriesByID[entry.RemoteID] = entry
	}
	recordsByID := make(map[string]metastore.FileRecord, len(records))
	for _, rec := range records {
		recordsByID[rec.RemoteID] = rec
	}

	// Added and modified items are independent (distinct remote IDs), so
	// their pipelines run concurrently up to the parallelism bound. A single
	// item's failure is contained; only a store failure aborts the cycle.
	var failed atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.cfg.Parallelism)

	for _, phase := range []struct {
		ids    []string
		action string
	}{
		{cs.Added, metastore.ActionAdded},
		{cs.Modified, metastore.ActionModified},
	} {
		for _, remoteID := range phase.ids {
			entry := entriesByID[remoteID]
			action := phase.action
			group.Go(func() error {
				return o.ingest(groupCtx, entry, action, &failed)
			})
		}
	}

	if err := group.Wait(); err != nil {
		result.Failed = int(failed.Load())
		return result, fmt.Errorf("cycle aborted: %w", err)
	}

	// Removals run after the ingest phase so a rename observed as
	// remove+add within one snapshot settles on the add.
	for _, remoteID := range cs.Removed {
		if ctx.Err() != nil {
			result.Failed = int(failed.Load())
			return result, ctx.Err()
		}
		if err := o.remove(ctx, recordsByID[remoteID], &failed); err != nil {
			result.Failed = int(failed.Load())
			return result, fmt.Errorf("cycle aborted: %w", err)
		}
	}

	result.Failed = int(failed.Load())
	o.commitArchive(ctx, result)

	o.logger.DebugContext(ctx, "cycle pipelines finished",
		"duration", time.Since(started),
		"failed", result.Failed)
	return result, nil
}

// ingest drives one added/modified file through the pipeline:
// pending record, download, optional archive staging, upload, synced record.
// Returns an error only for store failures or shutdown; item-level failures
// are recorded on the item and contained.
func (o *Orchestrator) ingest(ctx context.Context, entry SnapshotEntry, action string, failed *atomic.Int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Pending first: a crash anywhere past this point leaves a record the
	// next cycle reclassifies and retries.
	err := o.store.Upsert(ctx, metastore.FileRecord{
		RemoteID:    entry.RemoteID,
		Path:        entry.Path,
		Fingerprint: entry.Fingerprint,
		SizeBytes:   entry.SizeBytes,
		Status:      metastore.StatusPending,
	})
	if err != nil {
		return err
	}

	var content []byte
	err = o.cfg.Retry.Do(ctx, o.sleep, func() error {
		body, fetchErr := o.provider.FetchContent(ctx, entry.RemoteID)
		if fetchErr != nil {
			return fetchErr
		}
		defer body.Close()

		data, readErr := io.ReadAll(body)
		if readErr != nil {
			return readErr
		}
		content = data
		return nil
	})
	if err != nil {
		return o.failItem(ctx, entry, fmt.Errorf("download: %w", err), failed)
	}

	if o.archive != nil {
		if _, stageErr := o.archive.Stage(ctx, entry.Path, bytes.NewReader(content)); stageErr != nil {
			o.logger.WarnContext(ctx, "archive staging failed",
				"path", entry.Path, "error", stageErr)
		}
	}

	var documentID string
	err = o.cfg.Retry.Do(ctx, o.sleep, func() error {
		docID, submitErr := o.sink.Submit(ctx, Submission{
			RemoteID:  entry.RemoteID,
			Path:      entry.Path,
			MimeType:  entry.MimeType,
			SizeBytes: int64(len(content)),
			Body:      bytes.NewReader(content),
		})
		if submitErr != nil {
			return submitErr
		}
		documentID = docID
		return nil
	})
	if err != nil {
		return o.failItem(ctx, entry, fmt.Errorf("submit: %w", err), failed)
	}

	if err := o.store.MarkSynced(ctx, entry.RemoteID, entry.Fingerprint, documentID); err != nil {
		return err
	}
	if err := o.store.AddHistory(ctx, entry.RemoteID, action, entry.Path); err != nil {
		return err
	}

	o.logger.InfoContext(ctx, "file ingested",
		"remote_id", entry.RemoteID,
		"path", entry.Path,
		"action", action,
		"size", entry.SizeBytes)
	return nil
}

// remove finalizes one remotely deleted file according to the removal policy.
func (o *Orchestrator) remove(ctx context.Context, rec metastore.FileRecord, failed *atomic.Int64) error {
	if o.cfg.Removal == RemovalSink && rec.SinkDocumentID != "" {
		err := o.cfg.Retry.Do(ctx, o.sleep, func() error {
			removeErr := o.sink.Remove(ctx, rec.SinkDocumentID)
			if errors.Is(removeErr, apperrors.ErrDocumentNotFound) {
				// Already gone downstream counts as acknowledged.
				return nil
			}
			return removeErr
		})
		if err != nil {
			// Keep the record so the next cycle re-detects the removal.
			return o.failItem(ctx, SnapshotEntry{RemoteID: rec.RemoteID, Path: rec.Path},
				fmt.Errorf("remove document %s: %w", rec.SinkDocumentID, err), failed)
		}
	}

	if o.archive != nil {
		if err := o.archive.Unstage(ctx, rec.Path); err != nil {
			o.logger.WarnContext(ctx, "archive unstage failed", "path", rec.Path, "error", err)
		}
	}

	if err := o.store.Delete(ctx, rec.RemoteID); err != nil {
		return err
	}
	if err := o.store.AddHistory(ctx, rec.RemoteID, metastore.ActionDeleted, rec.Path); err != nil {
		return err
	}

	o.logger.InfoContext(ctx, "file removed",
		"remote_id", rec.RemoteID,
		"path", rec.Path,
		"policy", o.cfg.Removal)
	return nil
}

// failItem records retry exhaustion (or a permanent error) on one item.
// Shutdown is not a failure: the record stays pending for the next cycle.
func (o *Orchestrator) failItem(ctx context.Context, entry SnapshotEntry, cause error, failed *atomic.Int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	failed.Add(1)
	o.logger.WarnContext(ctx, "file failed",
		"remote_id", entry.RemoteID,
		"path", entry.Path,
		"error", cause)

	if err := o.store.MarkFailed(ctx, entry.RemoteID, cause.Error()); err != nil {
		return err
	}
	return o.store.AddHistory(ctx, entry.RemoteID, metastore.ActionFailed, cause.Error())
}

// commitArchive records the cycle in the archive repository, if one is
// configured and the cycle changed anything. Commit failures are logged, not
// propagated; the ledger, not the mirror, is the source of truth.
func (o *Orchestrator) commitArchive(ctx context.Context, result CycleResult) {
	if o.archive == nil || result.Added+result.Modified+result.Removed == 0 {
		return
	}

	message := fmt.Sprintf("[difysync] cycle at %s: %d added, %d modified, %d removed",
		time.Now().Format(time.RFC3339), result.Added, result.Modified, result.Removed)
	if err := o.archive.CommitCycle(ctx, message); err != nil {
		o.logger.WarnContext(ctx, "archive commit failed", "error", err)
	}
}
