package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// SalesOrder is one reconciled order. (Source, ExternalKey) identifies at
// most one row; re-ingestion updates in place. Source and ExternalKey are
// immutable once created, and so is CustomerId: an order's customer is
// fixed at first reconciliation.
type SalesOrder struct {
	ID            int              `gorm:"primary_key" json:"id"`
	Source        Source           `gorm:"uniqueIndex:idx_sales_orders_source_key,priority:1;size:10;not null" json:"source"`
	ExternalKey   string           `gorm:"uniqueIndex:idx_sales_orders_source_key,priority:2;size:191;not null" json:"external_key"`
	OrderNumber   string           `gorm:"index;size:100" json:"order_number"`
	OrderDate     *time.Time       `json:"order_date"`
	CustomerId    int              `gorm:"index;not null" json:"customer_id"`
	Lines         []SalesOrderLine `gorm:"foreignKey:SalesOrderId" json:"lines"`
	RawPayloadRef string           `gorm:"size:255" json:"raw_payload_ref"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type SalesOrderLine struct {
	ID           int             `gorm:"primary_key" json:"id"`
	SalesOrderId int             `gorm:"index;not null" json:"sales_order_id"`
	Sku          string          `gorm:"size:100;not null" json:"sku"`
	Lot          string          `gorm:"size:100" json:"lot"`
	Quantity     int             `gorm:"not null" json:"quantity"`
	UnitPrice    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// GetSalesOrderByExternalKey returns (nil, nil) when no order exists for
// the pair.
func GetSalesOrderByExternalKey(tx *gorm.DB, source Source, externalKey string) (*SalesOrder, error) {
	var order SalesOrder
	err := tx.
		Where("source = ? AND external_key = ?", source, externalKey).
		Take(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func GetSalesOrder(ctx context.Context, id int) (*SalesOrder, error) {
	db := config.GetDB()
	var order SalesOrder
	err := db.WithContext(ctx).Preload("Lines").Where("id = ?", id).Take(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &order, nil
}

// ReplaceSalesOrderLines swaps an order's line set wholesale. Lines carry
// no external identity of their own, so re-sync replaces rather than diffs.
func ReplaceSalesOrderLines(tx *gorm.DB, orderId int, lines []SalesOrderLine) error {
	if err := tx.Where("sales_order_id = ?", orderId).Delete(&SalesOrderLine{}).Error; err != nil {
		return err
	}
	for i := range lines {
		lines[i].ID = 0
		lines[i].SalesOrderId = orderId
	}
	if len(lines) == 0 {
		return nil
	}
	return tx.Create(&lines).Error
}

func CountSalesOrders(ctx context.Context) (int64, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&SalesOrder{}).Count(&count).Error
	return count, err
}
