package ordersync

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/models"
)

// processRecord reconciles one ingested record inside its own transaction,
// so a failing record never poisons its neighbors. It returns whether the
// record created new rows, a skip outcome if the record was rejected, and
// an error only for infrastructure failures (already rolled back).
//
// A record with no usable customer identity still lands its distribution
// entries, unmatched; the record itself is reported as skipped so the
// operator knows the order was not created.
func processRecord(ctx context.Context, rec *IngestedRecord) (bool, *RecordSkip, error) {
	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return false, nil, tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	order, orderCreated, orderSkip, err := reconcileOrder(ctx, tx, rec)
	if err != nil {
		tx.Rollback()
		return false, nil, err
	}
	if orderSkip != nil && orderSkip.Reason == models.SkipCustomerConflict {
		tx.Rollback()
		return false, orderSkip, nil
	}

	entriesCreated, err := linkDistributions(tx, rec, order)
	if err != nil {
		tx.Rollback()
		return false, nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return false, nil, err
	}

	created := orderCreated || entriesCreated > 0
	if orderSkip != nil {
		return created, orderSkip, nil
	}
	if !created {
		return false, skipRecord(rec.ExternalKey, models.SkipDuplicateExternalKey,
			"record already ingested"), nil
	}
	return true, nil, nil
}

// reconcileOrder finds or creates the sales order the record belongs to.
// An existing order keeps its customer: a record whose identity resolves
// to a different company is a conflict, surfaced as a skip rather than a
// silent re-assignment.
func reconcileOrder(ctx context.Context, tx *gorm.DB, rec *IngestedRecord) (*models.SalesOrder, bool, *RecordSkip, error) {
	orderKey := rec.OrderKey()

	existing, err := models.GetSalesOrderByExternalKey(tx, rec.Source, orderKey)
	if err != nil {
		return nil, false, nil, err
	}

	if existing != nil {
		if skip, err := checkCustomerConflict(tx, existing, rec); err != nil {
			return nil, false, nil, err
		} else if skip != nil {
			return nil, false, skip, nil
		}
		if err := refreshOrder(ctx, tx, existing, rec); err != nil {
			return nil, false, nil, err
		}
		return existing, false, nil, nil
	}

	customer, customerCreated, err := resolveCustomer(ctx, tx, rec.CustomerIdentity)
	if err != nil {
		if errors.Is(err, ErrIdentityMissing) {
			return nil, false, skipRecord(rec.ExternalKey, models.SkipIdentityMissing,
				"no customer identity; entries kept unmatched"), nil
		}
		return nil, false, nil, err
	}
	if customerCreated {
		models.RecordAudit(ctx, tx, models.AuditActionCreate, "customer", customer.ID,
			nil, customer, "created during "+string(rec.Source)+" sync")
	}

	order := &models.SalesOrder{
		Source:        rec.Source,
		ExternalKey:   orderKey,
		OrderNumber:   rec.OrderNumber,
		OrderDate:     rec.OrderDate,
		CustomerId:    customer.ID,
		RawPayloadRef: rec.RawPayloadRef,
	}
	if err := tx.Create(order).Error; err != nil {
		return nil, false, nil, err
	}
	if err := models.ReplaceSalesOrderLines(tx, order.ID, orderLines(rec)); err != nil {
		return nil, false, nil, err
	}
	models.RecordAudit(ctx, tx, models.AuditActionCreate, "sales_order", order.ID,
		nil, order, fmt.Sprintf("order %s ingested from %s", orderKey, rec.Source))

	// A late-arriving order adopts entries that landed before it.
	if _, err := models.RelinkUnmatchedEntries(tx, order); err != nil {
		return nil, false, nil, err
	}
	return order, true, nil, nil
}

func checkCustomerConflict(tx *gorm.DB, order *models.SalesOrder, rec *IngestedRecord) (*RecordSkip, error) {
	incomingKey := CanonicalCompanyKey(rec.CustomerIdentity.Name)
	if incomingKey == "" {
		return nil, nil
	}
	var current models.Customer
	if err := tx.Where("id = ?", order.CustomerId).Take(&current).Error; err != nil {
		return nil, err
	}
	if current.CompanyKey == incomingKey || companyKeyPrefixRelated(incomingKey, current.CompanyKey) {
		return nil, nil
	}
	return skipRecord(rec.ExternalKey, models.SkipCustomerConflict,
		fmt.Sprintf("order %s belongs to %q, record names %q",
			order.ExternalKey, current.DisplayName, rec.CustomerIdentity.Name)), nil
}

// refreshOrder merges the record's lines into the existing order, keyed by
// (sku, lot), and fills order fields the first ingestion left blank.
func refreshOrder(ctx context.Context, tx *gorm.DB, order *models.SalesOrder, rec *IngestedRecord) error {
	var existingLines []models.SalesOrderLine
	if err := tx.Where("sales_order_id = ?", order.ID).Find(&existingLines).Error; err != nil {
		return err
	}

	before := *order

	merged := existingLines
	index := map[string]int{}
	for i, line := range merged {
		index[line.Sku+"|"+line.Lot] = i
	}
	changed := false
	for _, line := range orderLines(rec) {
		if i, ok := index[line.Sku+"|"+line.Lot]; ok {
			if merged[i].Quantity != line.Quantity || !merged[i].UnitPrice.Equal(line.UnitPrice) {
				merged[i].Quantity = line.Quantity
				merged[i].UnitPrice = line.UnitPrice
				merged[i].Amount = line.Amount
				changed = true
			}
			continue
		}
		merged = append(merged, line)
		index[line.Sku+"|"+line.Lot] = len(merged) - 1
		changed = true
	}
	if changed {
		if err := models.ReplaceSalesOrderLines(tx, order.ID, merged); err != nil {
			return err
		}
	}

	updates := map[string]interface{}{}
	if order.OrderDate == nil && rec.OrderDate != nil {
		updates["order_date"] = rec.OrderDate
		order.OrderDate = rec.OrderDate
	}
	if order.OrderNumber == "" && rec.OrderNumber != "" {
		updates["order_number"] = rec.OrderNumber
		order.OrderNumber = rec.OrderNumber
	}
	if len(updates) > 0 {
		if err := tx.Model(order).Updates(updates).Error; err != nil {
			return err
		}
	}
	if changed || len(updates) > 0 {
		models.RecordAudit(ctx, tx, models.AuditActionUpdate, "sales_order", order.ID,
			before, order, "order refreshed by re-sync")
	}
	return nil
}

func orderLines(rec *IngestedRecord) []models.SalesOrderLine {
	lines := make([]models.SalesOrderLine, 0, len(rec.Lines))
	for _, l := range rec.Lines {
		lines = append(lines, models.SalesOrderLine{
			Sku:       l.Sku,
			Lot:       l.Lot,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Amount:    l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))),
		})
	}
	return lines
}

// linkDistributions upserts one distribution entry per record line. New
// entries take the order's linkage when an order exists, or stay unmatched
// otherwise. Existing entries have their mutable display fields refreshed;
// an unmatched existing entry additionally adopts the order's linkage, so
// a record that first arrived without identity still joins the aggregates
// once a later ingestion resolves it.
func linkDistributions(tx *gorm.DB, rec *IngestedRecord, order *models.SalesOrder) (int, error) {
	created := 0
	for _, line := range rec.Lines {
		key := entryExternalKey(rec.ExternalKey, line)

		existing, err := models.GetDistributionEntryByExternalKey(tx, rec.Source, key)
		if err != nil {
			return created, err
		}
		if existing != nil {
			updates := map[string]interface{}{}
			if rec.TrackingNumber != "" && existing.TrackingNumber != rec.TrackingNumber {
				updates["tracking_number"] = rec.TrackingNumber
			}
			if existing.ShipDate == nil && rec.ShipDate != nil {
				updates["ship_date"] = rec.ShipDate
			}
			if existing.SalesOrderId == nil && order != nil {
				updates["sales_order_id"] = order.ID
				updates["customer_id"] = order.CustomerId
			}
			if len(updates) > 0 {
				if err := tx.Model(existing).Updates(updates).Error; err != nil {
					return created, err
				}
			}
			continue
		}

		entry := &models.DistributionEntry{
			Source:         rec.Source,
			ExternalKey:    key,
			ShipDate:       rec.ShipDate,
			Sku:            line.Sku,
			Lot:            line.Lot,
			Quantity:       line.Quantity,
			OrderNumber:    rec.OrderNumber,
			TrackingNumber: rec.TrackingNumber,
			RawPayloadRef:  rec.RawPayloadRef,
		}
		if order != nil {
			entry.SalesOrderId = &order.ID
			entry.CustomerId = &order.CustomerId
		}
		if err := tx.Create(entry).Error; err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
