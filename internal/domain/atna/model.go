package atna

import (
	"time"

	"github.com/google/uuid"
)

// Event types recorded by the mediator.
const (
	// TypePIXRequest is recorded for every cross-reference query sent to
	// the patient identity source.
	TypePIXRequest = "PIX_REQUEST"

	// TypePIXIdentityFeed is recorded when the mediator registers a
	// previously unknown patient with the MPI.
	TypePIXIdentityFeed = "PIX_IDENTITY_FEED"

	// TypeXDSRegister is recorded for every document submission handled
	// by the repository endpoint.
	TypeXDSRegister = "XDS_REGISTER"
)

// Outcome indicators follow the DICOM audit EventOutcomeIndicator codes.
const (
	OutcomeSuccess       = "0"
	OutcomeMinorFailure  = "4"
	OutcomeMajorFailure  = "8"
	OutcomeSystemFailure = "12"
)

// Event is a single security audit record. Type identifies the
// transaction, CorrelationID ties together every event raised while
// processing one submission, and PatientIDs carries the identifiers of
// the patients the transaction touched.
type Event struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Type          string    `db:"type" json:"type"`
	CorrelationID string    `db:"correlation_id" json:"correlation_id"`
	PatientIDs    []string  `db:"patient_ids" json:"patient_ids"`
	Outcome       string    `db:"outcome" json:"outcome"`
	OutcomeDesc   string    `db:"outcome_desc" json:"outcome_desc"`
	RemoteAddr    string    `db:"remote_addr" json:"remote_addr"`
	Recorded      time.Time `db:"recorded" json:"recorded"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
