package models

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// History is the append-only audit log. The reconciliation core treats it
// as fire-and-forget: a failed audit write is logged, never propagated.
type History struct {
	ID            int       `gorm:"primary_key" json:"id"`
	ActionType    string    `gorm:"size:10;not null" json:"action_type"`
	EntityType    string    `gorm:"index;size:64;not null" json:"entity_type"`
	EntityId      int       `gorm:"index" json:"entity_id"`
	Before        string    `gorm:"type:text" json:"before"`
	After         string    `gorm:"type:text" json:"after"`
	Description   string    `gorm:"type:text" json:"description"`
	ActorId       int       `gorm:"index" json:"actor_id"`
	ActorName     string    `gorm:"size:100" json:"actor_name"`
	CorrelationId string    `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// RecordAudit emits one audit event on tx. Actor identity comes from ctx;
// scheduler-triggered runs carry the service identity.
func RecordAudit(ctx context.Context, tx *gorm.DB, actionType string, entityType string, entityId int, before interface{}, after interface{}, description string) {
	logger := config.GetLogger()

	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)

	actorId, _ := utils.GetActorIdFromContext(ctx)
	actorName, ok := utils.GetActorNameFromContext(ctx)
	if !ok && utils.IsSystemActor(ctx) {
		actorName = "order-sync-service"
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	history := History{
		ActionType:    actionType,
		EntityType:    entityType,
		EntityId:      entityId,
		Before:        string(b),
		After:         string(a),
		Description:   description,
		ActorId:       actorId,
		ActorName:     actorName,
		CorrelationId: correlationId,
	}

	if err := tx.Create(&history).Error; err != nil {
		config.LogError(logger, "models", "RecordAudit", entityType, entityId, err)
	}
}

func ListHistory(ctx context.Context, entityType string, entityId int, limit int) ([]History, error) {
	db := config.GetDB()
	if limit <= 0 {
		limit = 50
	}
	var rows []History
	err := db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityId).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
