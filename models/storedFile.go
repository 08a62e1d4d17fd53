package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
)

// StoredFile points at one immutable blob (uploaded source file, extracted
// PDF page, or raw API page response). Only the object key lives here;
// bytes stay in blob storage.
type StoredFile struct {
	ID           int       `gorm:"primary_key" json:"id"`
	ObjectKey    string    `gorm:"uniqueIndex;size:255;not null" json:"object_key"`
	Kind         string    `gorm:"index;size:32;not null" json:"kind"`
	FileName     string    `gorm:"size:255" json:"file_name"`
	ContentType  string    `gorm:"size:100" json:"content_type"`
	PageNumber   int       `gorm:"default:0" json:"page_number"`
	SourceFileId *int      `gorm:"index" json:"source_file_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateStoredFile(ctx context.Context, file *StoredFile) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(file).Error
}

// ListUnmatchedPages returns pages that yielded no extractable order data,
// retained for manual reconciliation.
func ListUnmatchedPages(ctx context.Context, limit int) ([]StoredFile, error) {
	db := config.GetDB()
	if limit <= 0 {
		limit = 100
	}
	var files []StoredFile
	err := db.WithContext(ctx).
		Where("kind = ?", FileKindUnmatchedPage).
		Order("id DESC").
		Limit(limit).
		Find(&files).Error
	return files, err
}

// MarkPageUnmatched flips a stored pdf page to the unmatched kind.
func MarkPageUnmatched(ctx context.Context, fileId int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&StoredFile{}).
		Where("id = ?", fileId).
		Update("kind", FileKindUnmatchedPage).Error
}
