package model

import "time"

// Tier is the subscription/privilege tier stored on the canonical user record.
type Tier string

const (
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
	TierAdmin   Tier = "admin"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierBasic, TierPremium, TierAdmin:
		return true
	}
	return false
}

// AccountStatus is the soft-disable marker on a user record.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// User is the canonical record for a human account.
type User struct {
	ID                 int64         `db:"id" json:"id"`
	IdentityRef        *string       `db:"identity_ref" json:"identity_ref"`
	Email              string        `db:"email" json:"email"`
	FirstName          string        `db:"first_name" json:"first_name"`
	LastName           string        `db:"last_name" json:"last_name"`
	BillingCustomerRef *string       `db:"billing_customer_ref" json:"billing_customer_ref"`
	Tier               Tier          `db:"tier" json:"tier"`
	Status             string        `db:"status" json:"status"`
	PlanRef            *int64        `db:"plan_ref" json:"plan_ref"`
	UpgradedAt         *time.Time    `db:"upgraded_at" json:"upgraded_at"`
	AccountStatus      AccountStatus `db:"account_status" json:"account_status"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updated_at"`
}

// IsProtected reports whether the record may never be bulk-mutated, disabled or deleted.
func (u *User) IsProtected() bool {
	return u != nil && u.Tier == TierAdmin
}

// TierUpdate is the set of billing fields written to a user record in one step.
type TierUpdate struct {
	Tier    Tier
	Status  string
	PlanRef *int64
	// KeepPlan leaves plan_ref untouched instead of writing PlanRef.
	KeepPlan bool
	// UpgradedAt is applied only when the write moves the record into premium.
	UpgradedAt *time.Time
	// CustomerRef, when set, is written as billing_customer_ref.
	CustomerRef *string
	// BackfillOnly restricts the CustomerRef write to rows with no ref or the same ref.
	// A row linked to another customer is left untouched.
	BackfillOnly bool
}

// UserStats summarizes the canonical user table.
type UserStats struct {
	Total               int          `json:"total"`
	ByTier              map[Tier]int `json:"byTier"`
	Active              int          `json:"active"`
	Suspended           int          `json:"suspended"`
	WithBillingCustomer int          `json:"withBillingCustomer"`
}
