package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// Customer is the canonical record for one real-world organization.
// CompanyKey is globally unique; the unique constraint is the sole
// arbiter for concurrent creation races.
//
// Customers are created only as a side effect of order reconciliation.
// This package deliberately exports no create function; the ordersync
// resolver owns the insert.
type Customer struct {
	ID          int       `gorm:"primary_key" json:"id"`
	CompanyKey  string    `gorm:"uniqueIndex;size:191;not null" json:"company_key"`
	DisplayName string    `gorm:"size:255;not null" json:"display_name"`
	Address1    string    `gorm:"size:255" json:"address1"`
	Address2    string    `gorm:"size:255" json:"address2"`
	City        string    `gorm:"size:100" json:"city"`
	State       string    `gorm:"size:100" json:"state"`
	Zip         string    `gorm:"size:20" json:"zip"`
	Country     string    `gorm:"size:100" json:"country"`
	Email       string    `gorm:"size:100" json:"email"`
	Phone       string    `gorm:"size:30" json:"phone"`
	Notes       string    `gorm:"type:text" json:"notes"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetCustomer(ctx context.Context, id int) (*Customer, error) {
	db := config.GetDB()
	var customer Customer
	err := db.WithContext(ctx).Where("id = ?", id).Take(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &customer, nil
}

// GetCustomerByCompanyKey is the exact-tier lookup. Returns (nil, nil)
// when no customer exists for the key.
func GetCustomerByCompanyKey(tx *gorm.DB, companyKey string) (*Customer, error) {
	var customer Customer
	err := tx.Where("company_key = ?", companyKey).Take(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

// GetCustomerByCompanyKeyLocked re-reads the key with a locking read. The
// loser of a creation race must see the winner's row, which under
// REPEATABLE READ a plain re-query cannot: the transaction's snapshot
// predates the winner's commit. FOR UPDATE reads the latest committed
// version instead.
func GetCustomerByCompanyKeyLocked(tx *gorm.DB, companyKey string) (*Customer, error) {
	var customer Customer
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("company_key = ?", companyKey).Take(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

// FindCustomersByLocation lists candidates for the strong-match tier:
// all customers sharing city+state+zip.
func FindCustomersByLocation(tx *gorm.DB, city string, state string, zip string) ([]Customer, error) {
	var customers []Customer
	err := tx.
		Where("city = ? AND state = ? AND zip = ?", city, state, zip).
		Order("id").
		Find(&customers).Error
	if err != nil {
		return nil, err
	}
	return customers, nil
}

func ListCustomers(ctx context.Context, limit int) ([]Customer, error) {
	db := config.GetDB()
	if limit <= 0 {
		limit = 100
	}
	var customers []Customer
	err := db.WithContext(ctx).Order("display_name").Limit(limit).Find(&customers).Error
	return customers, err
}

// MergeCustomers combines two customers found to be duplicates. All sales
// orders and distribution entries are re-pointed to the survivor; the
// duplicate's richer fields fill the survivor's blanks and its notes are
// appended to the survivor's; the duplicate row is
// deleted. Operator-driven: tiered matching prefers false negatives, so
// missed matches surface here.
func MergeCustomers(ctx context.Context, surviveId int, duplicateId int) (*Customer, error) {
	if surviveId == duplicateId {
		return nil, errors.New("cannot merge a customer into itself")
	}

	db := config.GetDB()
	var survivor Customer
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", surviveId).Take(&survivor).Error; err != nil {
			return err
		}
		var duplicate Customer
		if err := tx.Where("id = ?", duplicateId).Take(&duplicate).Error; err != nil {
			return err
		}

		if err := tx.Model(&SalesOrder{}).
			Where("customer_id = ?", duplicateId).
			Update("customer_id", surviveId).Error; err != nil {
			return err
		}
		if err := tx.Model(&DistributionEntry{}).
			Where("customer_id = ?", duplicateId).
			Update("customer_id", surviveId).Error; err != nil {
			return err
		}

		updates := fillBlankCustomerFields(&survivor, &duplicate)
		if duplicate.Notes != "" && duplicate.Notes != survivor.Notes {
			notes := duplicate.Notes
			if survivor.Notes != "" {
				notes = survivor.Notes + "\n" + duplicate.Notes
			}
			updates["notes"] = notes
			survivor.Notes = notes
		}
		if len(updates) > 0 {
			if err := tx.Model(&survivor).Updates(updates).Error; err != nil {
				return err
			}
		}

		if err := tx.Delete(&Customer{}, duplicateId).Error; err != nil {
			return err
		}

		RecordAudit(ctx, tx, AuditActionMerge, "customer", surviveId, duplicate, survivor,
			"Merged duplicate customer "+duplicate.DisplayName)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &survivor, nil
}

// fillBlankCustomerFields returns the update map that copies richer's
// non-empty fields into target's blanks. Existing values are never
// overwritten; orders only ever add information to a customer.
func fillBlankCustomerFields(target *Customer, richer *Customer) map[string]interface{} {
	updates := map[string]interface{}{}
	set := func(column string, current string, incoming string) {
		if current == "" && incoming != "" {
			updates[column] = incoming
		}
	}
	set("address1", target.Address1, richer.Address1)
	set("address2", target.Address2, richer.Address2)
	set("city", target.City, richer.City)
	set("state", target.State, richer.State)
	set("zip", target.Zip, richer.Zip)
	set("country", target.Country, richer.Country)
	set("email", target.Email, richer.Email)
	set("phone", target.Phone, richer.Phone)
	return updates
}

// FillCustomerBlanks backfills blank address/contact fields from a later,
// richer identity. Used by the resolver on exact matches; never changes a
// field that already has a value.
func FillCustomerBlanks(tx *gorm.DB, customer *Customer, richer *Customer) error {
	updates := fillBlankCustomerFields(customer, richer)
	if len(updates) == 0 {
		return nil
	}
	return tx.Model(customer).Updates(updates).Error
}
