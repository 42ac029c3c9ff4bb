package dto

import (
	"time"

	"controlplane/internal/model"
)

// AdminUserCreateDTO is the body of POST /users.
type AdminUserCreateDTO struct {
	Email     string `json:"email" validate:"required,email,max=320"`
	FirstName string `json:"firstName" validate:"max=100"`
	LastName  string `json:"lastName" validate:"max=100"`
	Password  string `json:"password" validate:"omitempty,min=8,max=128"`
	Tier      string `json:"tier" validate:"omitempty,oneof=basic premium"`
}

// AdminUserUpdateDTO is the body of PUT /users/{id}. Omitted fields are left unchanged.
type AdminUserUpdateDTO struct {
	Email         *string `json:"email" validate:"omitempty,email,max=320"`
	FirstName     *string `json:"firstName" validate:"omitempty,max=100"`
	LastName      *string `json:"lastName" validate:"omitempty,max=100"`
	Tier          *string `json:"tier" validate:"omitempty,oneof=basic premium"`
	AccountStatus *string `json:"accountStatus" validate:"omitempty,oneof=active suspended"`
}

// AdminUserDisableDTO is the optional body of PUT /users/{id}/disable.
type AdminUserDisableDTO struct {
	Disabled *bool `json:"disabled"`
}

// BulkUpdateDTO is the body of PUT /users/bulk-update.
type BulkUpdateDTO struct {
	Action  string  `json:"action" validate:"required,oneof=upgrade downgrade disable delete"`
	UserIDs []int64 `json:"userIds" validate:"required,min=1,max=500,dive,gt=0"`
}

// ConfirmationRequestDTO is the body of POST /users/confirmations.
type ConfirmationRequestDTO struct {
	Action  string  `json:"action" validate:"required,oneof=update disable delete upgrade downgrade"`
	UserIDs []int64 `json:"userIds" validate:"required,min=1,max=500,dive,gt=0"`
}

// AdminUserResponseDTO is a user record as returned by the admin API.
type AdminUserResponseDTO struct {
	ID                 int64      `json:"id"`
	IdentityRef        *string    `json:"identityRef"`
	Email              string     `json:"email"`
	FirstName          string     `json:"firstName"`
	LastName           string     `json:"lastName"`
	BillingCustomerRef *string    `json:"billingCustomerRef"`
	Tier               model.Tier `json:"tier"`
	Status             string     `json:"status"`
	PlanRef            *int64     `json:"planRef"`
	UpgradedAt         *time.Time `json:"upgradedAt"`
	AccountStatus      string     `json:"accountStatus"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// NewAdminUserResponse maps a record to its response shape.
func NewAdminUserResponse(u *model.User) AdminUserResponseDTO {
	return AdminUserResponseDTO{
		ID:                 u.ID,
		IdentityRef:        u.IdentityRef,
		Email:              u.Email,
		FirstName:          u.FirstName,
		LastName:           u.LastName,
		BillingCustomerRef: u.BillingCustomerRef,
		Tier:               u.Tier,
		Status:             u.Status,
		PlanRef:            u.PlanRef,
		UpgradedAt:         u.UpgradedAt,
		AccountStatus:      string(u.AccountStatus),
		CreatedAt:          u.CreatedAt,
		UpdatedAt:          u.UpdatedAt,
	}
}

// UnlinkedEventResponseDTO is a billing event that matched no user record.
type UnlinkedEventResponseDTO struct {
	ID             int64     `json:"id"`
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	CustomerRef    *string   `json:"customerRef"`
	CorrelationKey *string   `json:"correlationKey"`
	Email          *string   `json:"email"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"createdAt"`
}
