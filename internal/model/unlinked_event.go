package model

import "time"

// UnlinkedEvent is a billing notification that could not be matched to any user record,
// kept for manual reconciliation.
type UnlinkedEvent struct {
	ID             int64     `db:"id" json:"id"`
	EventID        string    `db:"event_id" json:"event_id"`
	EventType      string    `db:"event_type" json:"event_type"`
	CustomerRef    *string   `db:"customer_ref" json:"customer_ref"`
	CorrelationKey *string   `db:"correlation_key" json:"correlation_key"`
	Email          *string   `db:"email" json:"email"`
	Reason         string    `db:"reason" json:"reason"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
