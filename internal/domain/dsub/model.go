// Package dsub implements document notification subscriptions: consumers
// register an endpoint (optionally scoped to one source facility) and
// receive a notification message for every document set the mediator
// registers.
package dsub

import (
	"time"

	"github.com/google/uuid"
)

// Subscription statuses.
const (
	StatusActive = "active"
	StatusOff    = "off"
)

// Notification delivery statuses.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Subscription is a registered notification consumer. An empty FacilityID
// subscribes to submissions from every facility.
type Subscription struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Endpoint   string    `db:"endpoint" json:"endpoint"`
	FacilityID string    `db:"facility_id" json:"facility_id"`
	Status     string    `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Matches reports whether the subscription should receive events for the
// given facility.
func (s *Subscription) Matches(facilityID string) bool {
	return s.FacilityID == "" || s.FacilityID == facilityID
}

// Notification tracks delivery of one document event to one subscriber.
type Notification struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	SubscriptionID uuid.UUID  `db:"subscription_id" json:"subscription_id"`
	DocumentID     string     `db:"document_id" json:"document_id"`
	PatientID      string     `db:"patient_id" json:"patient_id"`
	FacilityID     string     `db:"facility_id" json:"facility_id"`
	Status         string     `db:"status" json:"status"`
	AttemptCount   int        `db:"attempt_count" json:"attempt_count"`
	MaxAttempts    int        `db:"max_attempts" json:"max_attempts"`
	NextAttemptAt  time.Time  `db:"next_attempt_at" json:"next_attempt_at"`
	LastError      *string    `db:"last_error" json:"last_error,omitempty"`
	DeliveredAt    *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// DocumentEvent describes a newly registered document set.
type DocumentEvent struct {
	DocumentID     string    `json:"document_id"`
	PatientID      string    `json:"patient_id"`
	FacilityID     string    `json:"facility_id"`
	SubmissionTime time.Time `json:"submission_time"`
}
