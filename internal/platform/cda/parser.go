// Package cda extracts patient demographics from the header of an HL7
// CDA clinical document. The mediator uses these demographics to seed an
// identity feed when a submitted document references a patient the MPI
// does not know yet.
package cda

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Demographics is the patient information carried in a CDA document
// header (recordTarget/patientRole).
type Demographics struct {
	GivenName    string
	FamilyName   string
	Gender       string // administrativeGenderCode code, e.g. "F"
	BirthDate    string // YYYYMMDD
	Telecom      string
	LanguageCode string
}

// IsEmpty reports whether no demographic field was present.
func (d Demographics) IsEmpty() bool {
	return d == Demographics{}
}

type clinicalDocument struct {
	XMLName      xml.Name      `xml:"ClinicalDocument"`
	RecordTarget *recordTarget `xml:"recordTarget"`
}

type recordTarget struct {
	PatientRole *patientRole `xml:"patientRole"`
}

type patientRole struct {
	Telecoms []telecom `xml:"telecom"`
	Patient  *patient  `xml:"patient"`
}

type telecom struct {
	Value string `xml:"value,attr"`
	Use   string `xml:"use,attr"`
}

type patient struct {
	Names                  []personName            `xml:"name"`
	AdministrativeGender   *codedValue             `xml:"administrativeGenderCode"`
	BirthTime              *timeValue              `xml:"birthTime"`
	LanguageCommunications []languageCommunication `xml:"languageCommunication"`
}

type personName struct {
	Given  []string `xml:"given"`
	Family string   `xml:"family"`
}

type codedValue struct {
	Code        string `xml:"code,attr"`
	DisplayName string `xml:"displayName,attr"`
}

type timeValue struct {
	Value string `xml:"value,attr"`
}

type languageCommunication struct {
	LanguageCode *codedValue `xml:"languageCode"`
}

// ParseDemographics reads a CDA document and extracts the header
// demographics. It returns an error when the bytes are not a CDA
// document or the header carries no patient role; callers fall back to
// an identifiers-only registration in that case.
func ParseDemographics(xmlData []byte) (Demographics, error) {
	if len(xmlData) == 0 {
		return Demographics{}, fmt.Errorf("cda: document is empty")
	}

	var doc clinicalDocument
	if err := xml.Unmarshal(xmlData, &doc); err != nil {
		return Demographics{}, fmt.Errorf("cda: failed to parse document: %w", err)
	}

	if doc.RecordTarget == nil || doc.RecordTarget.PatientRole == nil {
		return Demographics{}, fmt.Errorf("cda: document has no patient role")
	}

	role := doc.RecordTarget.PatientRole
	d := Demographics{}

	for _, t := range role.Telecoms {
		if t.Value != "" {
			d.Telecom = t.Value
			break
		}
	}

	if role.Patient == nil {
		return d, nil
	}
	pat := role.Patient

	if len(pat.Names) > 0 {
		name := pat.Names[0]
		if len(name.Given) > 0 {
			d.GivenName = strings.TrimSpace(name.Given[0])
		}
		d.FamilyName = strings.TrimSpace(name.Family)
	}

	if pat.AdministrativeGender != nil {
		d.Gender = pat.AdministrativeGender.Code
		if d.Gender == "" {
			d.Gender = pat.AdministrativeGender.DisplayName
		}
	}

	if pat.BirthTime != nil {
		v := strings.TrimSpace(pat.BirthTime.Value)
		if len(v) > 8 {
			v = v[:8]
		}
		d.BirthDate = v
	}

	for _, lc := range pat.LanguageCommunications {
		if lc.LanguageCode != nil && lc.LanguageCode.Code != "" {
			d.LanguageCode = lc.LanguageCode.Code
			break
		}
	}

	return d, nil
}
