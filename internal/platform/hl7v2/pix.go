package hl7v2

import (
	"fmt"
	"strings"
	"time"

	"github.com/openhie/xds-mediator/internal/platform/hl7"
)

// Addressing carries the MSH-3 through MSH-6 endpoints stamped onto every
// message built by this package.
type Addressing struct {
	SendingApplication   string
	SendingFacility      string
	ReceivingApplication string
	ReceivingFacility    string
}

// PatientRecord is the demographic content of an ADT^A04 identity feed.
// Everything except Identifiers is optional; a record built from a bare
// submission carries identifiers only.
type PatientRecord struct {
	Identifiers  []hl7.Identifier
	FamilyName   string
	GivenName    string
	Gender       string // HL7 administrative sex code or FHIR gender string
	BirthDate    string // YYYYMMDD, or FHIR YYYY-MM-DD
	Telecom      string
	LanguageCode string
}

// BuildPIXQuery constructs a QBP^Q23 query asking the PIX manager to
// translate patient into the target identifier domain. It returns the
// serialized message and its control ID for correlation.
func BuildPIXQuery(addr Addressing, patient hl7.Identifier, target hl7.AssigningAuthority) ([]byte, string) {
	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := fmt.Sprintf("MSG%s", now.Format("20060102150405.000"))

	// QPD-3 is the identifier to cross-reference; QPD-4 restricts the
	// answer to the target domain (a CX with authority only).
	segments := []string{
		buildMSH(addr, "QBP^Q23^QBP_Q21", timestamp, controlID),
		fmt.Sprintf("QPD|IHE PIX Query|%s|%s|%s", controlID, patient.CX(), hl7.Identifier{Authority: target}.CX()),
		"RCP|I",
	}

	return []byte(strings.Join(segments, "\r")), controlID
}

// BuildIdentityFeed constructs an ADT^A04 registration message for a
// patient unknown to the MPI. It returns the serialized message and its
// control ID.
func BuildIdentityFeed(addr Addressing, rec PatientRecord) ([]byte, string) {
	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := fmt.Sprintf("MSG%s", now.Format("20060102150405.000"))

	segments := []string{
		buildMSH(addr, "ADT^A04^ADT_A01", timestamp, controlID),
		fmt.Sprintf("EVN|A04|%s", timestamp),
		buildPID(rec),
	}

	return []byte(strings.Join(segments, "\r")), controlID
}

// buildMSH constructs an MSH segment header for the given message type.
func buildMSH(addr Addressing, msgType, timestamp, controlID string) string {
	return fmt.Sprintf("MSH|^~\\&|%s|%s|%s|%s|%s||%s|%s|P|2.5",
		addr.SendingApplication, addr.SendingFacility,
		addr.ReceivingApplication, addr.ReceivingFacility,
		timestamp, msgType, controlID)
}

// buildPID constructs a PID segment from a patient record. PID-3 carries
// every known identifier as CX repetitions; demographics fill PID-5
// (name), PID-7 (date of birth), PID-8 (sex), PID-13 (telecom), and
// PID-15 (primary language) when present.
func buildPID(rec PatientRecord) string {
	ids := make([]string, 0, len(rec.Identifiers))
	for _, id := range rec.Identifiers {
		ids = append(ids, id.CX())
	}

	name := ""
	if rec.FamilyName != "" || rec.GivenName != "" {
		name = escapeHL7(rec.FamilyName) + "^" + escapeHL7(rec.GivenName)
	}

	dob := strings.ReplaceAll(rec.BirthDate, "-", "")

	return fmt.Sprintf("PID|1||%s||%s||%s|%s|||||%s||%s",
		strings.Join(ids, "~"), name, dob,
		normalizeGender(rec.Gender), escapeHL7(rec.Telecom), escapeHL7(rec.LanguageCode))
}

// ReadPIXQueryResponse interprets an RSP^K23 from the PIX manager. It
// returns the patient identifier in the target domain when the manager
// holds a mapping, a zero Identifier when the patient or mapping is
// unknown, and an error when the response signals a processing failure.
func ReadPIXQueryResponse(raw []byte, target hl7.AssigningAuthority) (hl7.Identifier, error) {
	msg, err := Parse(raw)
	if err != nil {
		return hl7.Identifier{}, err
	}

	code, _, text := msg.Acknowledgment()
	switch code {
	case "AA", "CA":
	case "AE", "CE":
		// Managers report an unrecognized QPD-3 identifier as an
		// application error with HL7 error code 204 (unknown key
		// identifier). That is a miss, not a failure.
		if errSeg := msg.GetSegment("ERR"); errSeg != nil && errSeg.GetComponent(3, 1) == "204" {
			return hl7.Identifier{}, nil
		}
		return hl7.Identifier{}, fmt.Errorf("hl7v2: pix query rejected: %s", firstNonEmpty(msg.ErrorText(), text, code))
	default:
		return hl7.Identifier{}, fmt.Errorf("hl7v2: pix query rejected: %s", firstNonEmpty(msg.ErrorText(), text, code))
	}

	if msg.QueryAck() == "NF" {
		return hl7.Identifier{}, nil
	}

	for _, raw := range msg.PatientIdentifiers() {
		id := hl7.ParseCX(raw)
		if id.Authority.Matches(target) && id.Value != "" {
			return id, nil
		}
	}

	// Acknowledged, but no identifier in the requested domain.
	return hl7.Identifier{}, nil
}

// ReadFeedResponse interprets the ACK for an identity feed. A commit or
// application accept means the MPI registered the patient.
func ReadFeedResponse(raw []byte) error {
	msg, err := Parse(raw)
	if err != nil {
		return err
	}

	code, _, text := msg.Acknowledgment()
	if code == "AA" || code == "CA" {
		return nil
	}

	return fmt.Errorf("hl7v2: identity feed rejected with %s: %s", code, firstNonEmpty(msg.ErrorText(), text))
}

// escapeHL7 escapes HL7 special characters in a string.
// The HL7 escape sequences are:
//
//	\F\ = |  (field separator)
//	\S\ = ^  (component separator)
//	\R\ = ~  (repetition separator)
//	\E\ = \  (escape character)
//	\T\ = &  (subcomponent separator)
func escapeHL7(s string) string {
	// Escape backslash first to avoid double-escaping
	s = strings.ReplaceAll(s, "\\", "\\E\\")
	s = strings.ReplaceAll(s, "|", "\\F\\")
	s = strings.ReplaceAll(s, "^", "\\S\\")
	s = strings.ReplaceAll(s, "~", "\\R\\")
	s = strings.ReplaceAll(s, "&", "\\T\\")
	return s
}

// normalizeGender maps a gender value to an HL7v2 administrative sex
// code. It accepts both FHIR gender strings and already-coded values so
// demographics sourced from CDA documents and FHIR resources render the
// same way.
func normalizeGender(gender string) string {
	switch strings.ToLower(gender) {
	case "":
		return ""
	case "male", "m":
		return "M"
	case "female", "f":
		return "F"
	case "other", "o":
		return "O"
	default:
		return "U"
	}
}

// firstNonEmpty returns the first non-empty string, or "" if all are empty.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
