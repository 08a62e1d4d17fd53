package ordersync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

const moduleName = "ordersync"

// Only one run per source at a time. A second trigger while a run holds
// the lock is rejected, not queued.
const runLockTTL = 30 * time.Minute

// Run executes a full sync for one source: create the run row, take the
// per-source lock, stream records from the adapter, reconcile each in its
// own transaction, and finalize the run with counts and skips.
func Run(ctx context.Context, source models.Source, triggeredBy string, window RunWindow) (*RunSummary, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("unknown source %q", source)
	}

	run, err := models.CreateSyncRun(ctx, source, triggeredBy, window.Encode())
	if err != nil {
		return nil, err
	}
	return executeRun(ctx, run, window)
}

// ExecuteQueuedRun picks up a run created earlier (by the enqueue endpoint)
// and drives it to completion. The window travels in the run row.
func ExecuteQueuedRun(ctx context.Context, run *models.SyncRun) (*RunSummary, error) {
	if run.Status != models.SyncRunStatusQueued {
		return nil, fmt.Errorf("run %d is %s, not queued", run.ID, run.Status)
	}
	return executeRun(ctx, run, DecodeRunWindow(run.WindowJSON))
}

func executeRun(ctx context.Context, run *models.SyncRun, window RunWindow) (*RunSummary, error) {
	logger := config.GetLogger()

	lock, err := utils.ObtainRunLock(ctx, logger, moduleName, "executeRun", "sync", string(run.Source), runLockTTL)
	if err != nil {
		if errors.Is(err, utils.ErrLockNotObtained) {
			finalize(ctx, run, models.SyncRunStatusFailed, 0, 0, 0, false,
				"another sync for this source is already running")
			return summaryFor(run, nil), err
		}
		return nil, err
	}
	defer func() {
		if rerr := lock.Release(context.Background()); rerr != nil {
			config.LogError(logger, moduleName, "executeRun", "release lock", run.Source, rerr)
		}
	}()

	if err := models.MarkSyncRunRunning(ctx, run); err != nil {
		return nil, err
	}

	src, err := newRecordSource(ctx, run.Source, window)
	if err != nil {
		finalize(ctx, run, models.SyncRunStatusFailed, 0, 0, 0, false, err.Error())
		return summaryFor(run, nil), err
	}

	seen := 0
	succeeded := 0
	var skips []SkippedRecord

	recordSkip := func(skip *RecordSkip) {
		skips = append(skips, SkippedRecord{
			ExternalKey: skip.ExternalKey,
			Reason:      skip.Reason,
			Message:     skip.Message,
		})
		if err := models.CreateSyncRunSkip(ctx, run.ID, skip.ExternalKey, skip.Reason, skip.Message, skip.Payload); err != nil {
			config.LogError(logger, moduleName, "executeRun", "record skip", skip.ExternalKey, err)
		}
	}

	for {
		rec, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var skip *RecordSkip
			if errors.As(err, &skip) {
				seen++
				recordSkip(skip)
				continue
			}
			// Source-level failure: the run fails, rows already
			// reconciled stay committed.
			config.LogError(logger, moduleName, "executeRun", "source failed", run.Source, err)
			finalize(ctx, run, models.SyncRunStatusFailed, seen, succeeded, len(skips), src.Capped(), err.Error())
			return summaryFor(run, skips), err
		}

		seen++
		created, skip, perr := processRecord(ctx, rec)
		switch {
		case perr != nil:
			config.LogError(logger, moduleName, "executeRun", "record failed", rec.ExternalKey, perr)
			recordSkip(skipRecord(rec.ExternalKey, models.SkipInternalError, perr.Error()))
		case skip != nil:
			recordSkip(skip)
			if created {
				succeeded++
			}
		case created:
			succeeded++
		}
	}

	status := models.SyncRunStatusSuccess
	if len(skips) > 0 {
		status = models.SyncRunStatusPartial
	}
	finalize(ctx, run, status, seen, succeeded, len(skips), src.Capped(), "")
	return summaryFor(run, skips), nil
}

func newRecordSource(ctx context.Context, source models.Source, window RunWindow) (RecordSource, error) {
	switch source {
	case models.SourceAPI:
		return newAPISource(window)
	case models.SourceCSV:
		return newTabularSource(ctx, window)
	case models.SourcePDF:
		return newDocumentSource(ctx, window, newPDFExtractor())
	default:
		return nil, fmt.Errorf("source %q has no adapter", source)
	}
}

func finalize(ctx context.Context, run *models.SyncRun, status string, seen int, succeeded int, skipped int, capped bool, errorSummary string) {
	if err := models.FinalizeSyncRun(ctx, run, status, seen, succeeded, skipped, capped, errorSummary); err != nil {
		config.LogError(config.GetLogger(), moduleName, "finalize", "finalize run", run.ID, err)
	}
}

func summaryFor(run *models.SyncRun, skips []SkippedRecord) *RunSummary {
	return &RunSummary{
		RunId:       run.ID,
		Source:      run.Source,
		Status:      run.Status,
		RecordsSeen: run.RecordsSeen,
		Succeeded:   run.Succeeded,
		Skipped:     skips,
		Capped:      run.Capped,
		Error:       run.ErrorSummary,
	}
}
