package ordersync

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// ErrIdentityMissing is returned when a record carries no usable customer
// identity. The caller records it as a skip, never a fatal abort.
var ErrIdentityMissing = errors.New("customer identity missing")

// resolveCustomer finds or creates the canonical Customer for an extracted
// identity. Unexported on purpose: order reconciliation is the only code
// path allowed to create customers, and this package boundary is the
// enforcement. Tiers, first success wins:
//
//  1. exact company-key lookup (unique-constraint backed)
//  2. same city+state+zip AND (related key prefix OR shared company
//     email domain)
//  3. create; a duplicate-key race means someone else won, re-query and
//     return theirs
//
// Returns the customer and whether this call created it.
func resolveCustomer(ctx context.Context, tx *gorm.DB, identity CustomerIdentity) (*models.Customer, bool, error) {
	if identity.Empty() {
		return nil, false, ErrIdentityMissing
	}

	companyKey := CanonicalCompanyKey(identity.Name)
	if companyKey == "" {
		// Name-less identity with contact info only: key off the email
		// local+domain so repeat submissions still converge.
		companyKey = CanonicalCompanyKey(identity.Email)
	}
	if companyKey == "" {
		return nil, false, ErrIdentityMissing
	}

	// Tier 1: exact.
	existing, err := models.GetCustomerByCompanyKey(tx, companyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := models.FillCustomerBlanks(tx, existing, customerFromIdentity(companyKey, identity)); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	// Tier 2: strong match on location plus a corroborating signal.
	if strong, err := strongMatch(tx, companyKey, identity); err != nil {
		return nil, false, err
	} else if strong != nil {
		return strong, false, nil
	}

	// Tier 3: create.
	customer := customerFromIdentity(companyKey, identity)
	if err := tx.Create(customer).Error; err != nil {
		if utils.IsDuplicateKeyError(err) {
			// Concurrent creation race: treat as exact match found. The
			// re-query must lock, or the snapshot hides the winner.
			winner, qerr := models.GetCustomerByCompanyKeyLocked(tx, companyKey)
			if qerr != nil {
				return nil, false, qerr
			}
			if winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, err
	}
	return customer, true, nil
}

func strongMatch(tx *gorm.DB, companyKey string, identity CustomerIdentity) (*models.Customer, error) {
	city := strings.TrimSpace(identity.City)
	state := strings.TrimSpace(identity.State)
	zip := strings.TrimSpace(identity.Zip)
	if city == "" || state == "" || zip == "" {
		return nil, nil
	}

	candidates, err := models.FindCustomersByLocation(tx, city, state, zip)
	if err != nil {
		return nil, err
	}

	emailDomain := nonPersonalEmailDomain(identity.Email)
	for i := range candidates {
		candidate := &candidates[i]
		if companyKeyPrefixRelated(companyKey, candidate.CompanyKey) {
			return candidate, nil
		}
		if emailDomain != "" && nonPersonalEmailDomain(candidate.Email) == emailDomain {
			return candidate, nil
		}
	}
	return nil, nil
}

func customerFromIdentity(companyKey string, identity CustomerIdentity) *models.Customer {
	displayName := strings.TrimSpace(identity.Name)
	if displayName == "" {
		displayName = strings.TrimSpace(identity.Email)
	}
	return &models.Customer{
		CompanyKey:  companyKey,
		DisplayName: displayName,
		Address1:    strings.TrimSpace(identity.Address1),
		Address2:    strings.TrimSpace(identity.Address2),
		City:        strings.TrimSpace(identity.City),
		State:       strings.TrimSpace(identity.State),
		Zip:         strings.TrimSpace(identity.Zip),
		Country:     strings.TrimSpace(identity.Country),
		Email:       strings.TrimSpace(identity.Email),
		Phone:       utils.NormalizePhoneNumber(identity.Phone),
	}
}
