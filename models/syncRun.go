package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// SyncRun records one facade invocation. Created queued, moved to running,
// finalized exactly once; rows are never mutated after finalization.
type SyncRun struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	Source       Source     `gorm:"index;size:10;not null" json:"source"`
	Status       string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy  string     `gorm:"size:20" json:"triggered_by"`
	ActorName    string     `gorm:"size:100" json:"actor_name"`
	WindowJSON   []byte     `gorm:"type:json" json:"window"`
	RecordsSeen  int        `json:"records_seen"`
	Succeeded    int        `json:"succeeded"`
	SkippedCount int        `json:"skipped_count"`
	Capped       bool       `gorm:"default:false" json:"capped"`
	ErrorSummary string     `gorm:"type:text" json:"error_summary"`
	StartedAt    *time.Time `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	DurationMs   int64      `json:"duration_ms"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRunSkip is one per-record skip outcome with a stable reason code.
type SyncRunSkip struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	ExternalKey string    `gorm:"size:191" json:"external_key"`
	Reason      string    `gorm:"size:64;not null" json:"reason"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateSyncRun(ctx context.Context, source Source, triggeredBy string, windowJSON []byte) (*SyncRun, error) {
	db := config.GetDB()
	actorName, _ := utils.GetActorNameFromContext(ctx)
	run := SyncRun{
		Source:      source,
		Status:      SyncRunStatusQueued,
		TriggeredBy: triggeredBy,
		ActorName:   actorName,
		WindowJSON:  windowJSON,
	}
	if err := db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func GetSyncRun(ctx context.Context, id uint) (*SyncRun, error) {
	db := config.GetDB()
	var run SyncRun
	err := db.WithContext(ctx).Where("id = ?", id).Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &run, nil
}

func ListSyncRuns(ctx context.Context, source Source, limit int) ([]SyncRun, error) {
	db := config.GetDB()
	if limit <= 0 {
		limit = 20
	}
	query := db.WithContext(ctx).Order("id DESC").Limit(limit)
	if source != "" {
		query = query.Where("source = ?", source)
	}
	var runs []SyncRun
	err := query.Find(&runs).Error
	return runs, err
}

func ListSyncRunSkips(ctx context.Context, runId uint) ([]SyncRunSkip, error) {
	db := config.GetDB()
	var skips []SyncRunSkip
	err := db.WithContext(ctx).Where("sync_run_id = ?", runId).Order("id").Find(&skips).Error
	return skips, err
}

func MarkSyncRunRunning(ctx context.Context, run *SyncRun) error {
	db := config.GetDB()
	now := time.Now()
	return db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":     SyncRunStatusRunning,
		"started_at": now,
	}).Error
}

// FinalizeSyncRun writes the terminal state. Guarded on the running status
// so a run can only ever be finalized once.
func FinalizeSyncRun(ctx context.Context, run *SyncRun, status string, recordsSeen int, succeeded int, skipped int, capped bool, errorSummary string) error {
	db := config.GetDB()
	finishedAt := time.Now()
	var durationMs int64
	if run.StartedAt != nil {
		durationMs = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}
	res := db.WithContext(ctx).Model(&SyncRun{}).
		Where("id = ? AND status IN ?", run.ID, []string{SyncRunStatusQueued, SyncRunStatusRunning}).
		Updates(map[string]interface{}{
			"status":        status,
			"records_seen":  recordsSeen,
			"succeeded":     succeeded,
			"skipped_count": skipped,
			"capped":        capped,
			"error_summary": errorSummary,
			"finished_at":   finishedAt,
			"duration_ms":   durationMs,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("sync run already finalized")
	}
	run.Status = status
	run.RecordsSeen = recordsSeen
	run.Succeeded = succeeded
	run.SkippedCount = skipped
	run.Capped = capped
	run.ErrorSummary = errorSummary
	run.FinishedAt = &finishedAt
	run.DurationMs = durationMs
	return nil
}

func CreateSyncRunSkip(ctx context.Context, runId uint, externalKey string, reason string, message string, payload []byte) error {
	db := config.GetDB()
	skip := SyncRunSkip{
		SyncRunId:   runId,
		ExternalKey: externalKey,
		Reason:      reason,
		Message:     message,
		PayloadJSON: payload,
	}
	return db.WithContext(ctx).Create(&skip).Error
}
