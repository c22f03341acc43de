// Package models defines the database model types for the console backend.
// Each type corresponds to a database table; sqlx-scanned types carry db tags.
// Models are data types with small derived-state helpers. Business logic lives in
// internal/services and query logic in internal/db/repositories.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingMode is how a user's usage is paid for.
type BillingMode string

const (
	BillingModeFree     BillingMode = "free"
	BillingModePrepaid  BillingMode = "prepaid"
	BillingModePostpaid BillingMode = "postpaid"
)

// Valid reports whether m is a known billing mode.
func (m BillingMode) Valid() bool {
	switch m {
	case BillingModeFree, BillingModePrepaid, BillingModePostpaid:
		return true
	}
	return false
}

// UserStatus is the access-control status of a user.
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
	UserStatusDeleted   UserStatus = "deleted"
)

// Feature flag keys stored in users.feature_flags.
const (
	FeaturePrepaidEnabled = "prepaid_enabled"
)

// User is a console account. The ID is the identity-provider subject.
type User struct {
	ID          string
	Email       string
	Name        string
	BillingMode BillingMode
	Status      UserStatus
	// AccountOwnerID is set for team members and points at the paying owner.
	AccountOwnerID           *string
	StripeCustomerID         *string
	StripeSubscriptionID     *string
	StripeSubscriptionStatus *string
	HopsworksUsername        *string
	HopsworksUserID          *int64
	SpendingCap              decimal.NullDecimal
	// SpendingAlertsSent maps "YYYY-MM" to the thresholds already notified that month.
	SpendingAlertsSent map[string][]int
	DowngradeDeadline  *time.Time
	FeatureFlags       map[string]bool
	LastLoginAt        *time.Time
	DeletedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Ownership is either Owner or TeamMember.
type Ownership interface {
	ownership()
}

// Owner is an account that pays for itself.
type Owner struct{}

// TeamMember is billed through the account identified by OwnerID.
type TeamMember struct {
	OwnerID string
}

func (Owner) ownership()      {}
func (TeamMember) ownership() {}

// Ownership returns the ownership variant of u.
func (u *User) Ownership() Ownership {
	if u.AccountOwnerID != nil && *u.AccountOwnerID != "" {
		return TeamMember{OwnerID: *u.AccountOwnerID}
	}
	return Owner{}
}

// IsTeamMember reports whether u is billed through another account.
func (u *User) IsTeamMember() bool {
	_, ok := u.Ownership().(TeamMember)
	return ok
}

// BillingAccountID returns the ID of the user that pays for u.
func (u *User) BillingAccountID() string {
	if m, ok := u.Ownership().(TeamMember); ok {
		return m.OwnerID
	}
	return u.ID
}

// HasActiveSubscription reports whether the stored subscription still bills.
func (u *User) HasActiveSubscription() bool {
	if u.StripeSubscriptionID == nil || *u.StripeSubscriptionID == "" {
		return false
	}
	if u.StripeSubscriptionStatus == nil {
		return true
	}
	switch *u.StripeSubscriptionStatus {
	case "active", "trialing", "past_due":
		return true
	}
	return false
}

// PrepaidEnabled reports the prepaid_enabled feature flag.
func (u *User) PrepaidEnabled() bool {
	return u.FeatureFlags[FeaturePrepaidEnabled]
}

// IsActive reports whether the user may use the platform.
func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}

// AlertsSentFor returns the spending thresholds already notified for month (YYYY-MM).
func (u *User) AlertsSentFor(month string) []int {
	if u.SpendingAlertsSent == nil {
		return nil
	}
	return u.SpendingAlertsSent[month]
}
