package pnr

import (
	"encoding/json"
	"strings"

	"github.com/openhie/xds-mediator/internal/platform/cda"
	"github.com/openhie/xds-mediator/internal/platform/hl7v2"
)

// embeddedPatient is the slice of a FHIR R4 Patient resource the
// identity feed cares about.
type embeddedPatient struct {
	ResourceType string `json:"resourceType"`
	Name         []struct {
		Family string   `json:"family"`
		Given  []string `json:"given"`
	} `json:"name"`
	Gender    string `json:"gender"`
	BirthDate string `json:"birthDate"`
	Telecom   []struct {
		Value string `json:"value"`
	} `json:"telecom"`
	Communication []struct {
		Language struct {
			Coding []struct {
				Code string `json:"code"`
			} `json:"coding"`
		} `json:"language"`
	} `json:"communication"`
}

// buildPatientRecord assembles the identity feed payload: every patient
// identifier from the submission, plus whatever demographics the
// documents yield. An embedded FHIR Patient wins; otherwise the CDA
// header of the first document is read; failing both, the record
// carries identifiers only.
func buildPatientRecord(tx *Transaction, patients []*Occurrence) hl7v2.PatientRecord {
	rec := hl7v2.PatientRecord{}
	for _, occ := range patients {
		rec.Identifiers = append(rec.Identifiers, occ.ID)
	}

	for _, entry := range tx.DocEntries {
		mime := entry.SelectAttr("mimeType")
		if !strings.HasPrefix(mime, "application/fhir+json") {
			continue
		}
		content := tx.DocumentContent(entry.SelectAttr("id"))
		if len(content) == 0 {
			continue
		}
		var patient embeddedPatient
		if err := json.Unmarshal(content, &patient); err != nil || patient.ResourceType != "Patient" {
			continue
		}
		applyFHIRDemographics(&rec, patient)
		return rec
	}

	for _, entry := range tx.DocEntries {
		content := tx.DocumentContent(entry.SelectAttr("id"))
		if len(content) == 0 {
			continue
		}
		d, err := cda.ParseDemographics(content)
		if err != nil || d.IsEmpty() {
			continue
		}
		rec.FamilyName = d.FamilyName
		rec.GivenName = d.GivenName
		rec.Gender = d.Gender
		rec.BirthDate = d.BirthDate
		rec.Telecom = d.Telecom
		rec.LanguageCode = d.LanguageCode
		return rec
	}

	return rec
}

func applyFHIRDemographics(rec *hl7v2.PatientRecord, patient embeddedPatient) {
	if len(patient.Name) > 0 {
		rec.FamilyName = patient.Name[0].Family
		if len(patient.Name[0].Given) > 0 {
			rec.GivenName = patient.Name[0].Given[0]
		}
	}
	rec.Gender = patient.Gender
	rec.BirthDate = strings.ReplaceAll(patient.BirthDate, "-", "")
	if len(patient.Telecom) > 0 {
		rec.Telecom = patient.Telecom[0].Value
	}
	for _, comm := range patient.Communication {
		if len(comm.Language.Coding) > 0 && comm.Language.Coding[0].Code != "" {
			rec.LanguageCode = comm.Language.Coding[0].Code
			break
		}
	}
}
