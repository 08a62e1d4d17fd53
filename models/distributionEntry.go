package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/qms_backend/config"
)

// DistributionEntry is one shipment/lot/quantity fact. (Source, ExternalKey)
// identifies at most one row. An entry is "matched" once SalesOrderId is
// set; unmatched entries are preserved for manual reconciliation and are
// excluded from every aggregate. After creation only CustomerId and
// SalesOrderId are ever back-filled (by a later successful match), plus the
// mutable display fields updated on duplicate re-ingestion.
type DistributionEntry struct {
	ID             int        `gorm:"primary_key" json:"id"`
	Source         Source     `gorm:"uniqueIndex:idx_distribution_entries_source_key,priority:1;size:10;not null" json:"source"`
	ExternalKey    string     `gorm:"uniqueIndex:idx_distribution_entries_source_key,priority:2;size:191;not null" json:"external_key"`
	ShipDate       *time.Time `gorm:"index" json:"ship_date"`
	Sku            string     `gorm:"index;size:100;not null" json:"sku"`
	Lot            string     `gorm:"size:100" json:"lot"`
	Quantity       int        `gorm:"not null" json:"quantity"`
	OrderNumber    string     `gorm:"index;size:100" json:"order_number"`
	TrackingNumber string     `gorm:"size:100" json:"tracking_number"`
	CustomerId     *int       `gorm:"index" json:"customer_id"`
	SalesOrderId   *int       `gorm:"index" json:"sales_order_id"`
	RawPayloadRef  string     `gorm:"size:255" json:"raw_payload_ref"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetDistributionEntryByExternalKey returns (nil, nil) when no entry
// exists for the pair.
func GetDistributionEntryByExternalKey(tx *gorm.DB, source Source, externalKey string) (*DistributionEntry, error) {
	var entry DistributionEntry
	err := tx.
		Where("source = ? AND external_key = ?", source, externalKey).
		Take(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// RelinkUnmatchedEntries back-fills sales_order_id/customer_id on unmatched
// entries whose source and order number now resolve to order. This is the
// only write path that touches those two columns after creation.
func RelinkUnmatchedEntries(tx *gorm.DB, order *SalesOrder) (int64, error) {
	if order == nil || order.OrderNumber == "" {
		return 0, nil
	}
	res := tx.Model(&DistributionEntry{}).
		Where("source = ? AND order_number = ? AND sales_order_id IS NULL", order.Source, order.OrderNumber).
		Updates(map[string]interface{}{
			"sales_order_id": order.ID,
			"customer_id":    order.CustomerId,
		})
	return res.RowsAffected, res.Error
}

type SkuQuantity struct {
	Sku      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}

// MatchedQuantityBySku aggregates shipped quantity per sku over matched
// entries only. Unmatched facts never contribute to reports.
func MatchedQuantityBySku(ctx context.Context, from *time.Time, to *time.Time) ([]SkuQuantity, error) {
	db := config.GetDB()
	query := db.WithContext(ctx).
		Model(&DistributionEntry{}).
		Select("sku, SUM(quantity) AS quantity").
		Where("sales_order_id IS NOT NULL")
	if from != nil {
		query = query.Where("ship_date >= ?", from)
	}
	if to != nil {
		query = query.Where("ship_date < ?", to)
	}
	var rows []SkuQuantity
	err := query.Group("sku").Order("sku").Scan(&rows).Error
	return rows, err
}

// MatchedQuantityForCustomer sums shipped quantity for one customer,
// matched entries only.
func MatchedQuantityForCustomer(ctx context.Context, customerId int) (int64, error) {
	db := config.GetDB()
	var total *int64
	err := db.WithContext(ctx).
		Model(&DistributionEntry{}).
		Select("SUM(quantity)").
		Where("sales_order_id IS NOT NULL AND customer_id = ?", customerId).
		Scan(&total).Error
	if err != nil || total == nil {
		return 0, err
	}
	return *total, nil
}

// ListUnmatchedEntries returns facts received but not yet reconciled to an
// order, oldest first, for the manual reconciliation screen.
func ListUnmatchedEntries(ctx context.Context, limit int) ([]DistributionEntry, error) {
	db := config.GetDB()
	if limit <= 0 {
		limit = 100
	}
	var entries []DistributionEntry
	err := db.WithContext(ctx).
		Where("sales_order_id IS NULL").
		Order("created_at").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func CountDistributionEntries(ctx context.Context) (int64, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&DistributionEntry{}).Count(&count).Error
	return count, err
}
