package mpi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openhie/xds-mediator/internal/config"
	"github.com/openhie/xds-mediator/internal/platform/hl7"
	"github.com/openhie/xds-mediator/internal/platform/hl7v2"
)

// FHIRClient resolves identifiers against a FHIR R4 client registry
// and registers unknown patients by creating Patient resources.
type FHIRClient struct {
	baseURL          string
	clientName       string
	password         string
	enterpriseSystem string
	httpClient       *http.Client
	logger           zerolog.Logger
}

// NewFHIRClient creates a client for the configured FHIR MPI endpoint.
func NewFHIRClient(cfg *config.Config, logger zerolog.Logger) *FHIRClient {
	return &FHIRClient{
		baseURL:          strings.TrimRight(cfg.FHIRMPIURL, "/"),
		clientName:       cfg.FHIRMPIClientName,
		password:         cfg.FHIRMPIPassword,
		enterpriseSystem: cfg.FHIREnterpriseSystem,
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		logger:           logger,
	}
}

// Minimal R4 shapes; only the fields the registry exchange touches.
type fhirIdentifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type fhirHumanName struct {
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type fhirContactPoint struct {
	Value string `json:"value,omitempty"`
}

type fhirCoding struct {
	Code string `json:"code,omitempty"`
}

type fhirCodeableConcept struct {
	Coding []fhirCoding `json:"coding,omitempty"`
}

type fhirCommunication struct {
	Language fhirCodeableConcept `json:"language"`
}

type fhirPatient struct {
	ResourceType  string              `json:"resourceType"`
	Identifier    []fhirIdentifier    `json:"identifier,omitempty"`
	Name          []fhirHumanName     `json:"name,omitempty"`
	Gender        string              `json:"gender,omitempty"`
	BirthDate     string              `json:"birthDate,omitempty"`
	Telecom       []fhirContactPoint  `json:"telecom,omitempty"`
	Communication []fhirCommunication `json:"communication,omitempty"`
}

type fhirBundle struct {
	Entry []struct {
		Resource fhirPatient `json:"resource"`
	} `json:"entry"`
}

// identifierSystem maps an HL7 assigning authority to a FHIR system
// token: the universal ID as an OID URI when present, the namespace
// otherwise.
func identifierSystem(a hl7.AssigningAuthority) string {
	if a.UniversalID != "" {
		return "urn:oid:" + a.UniversalID
	}
	return a.NamespaceID
}

// Resolve searches the registry for a Patient carrying the identifier
// and returns its identifier in the enterprise system. An empty bundle,
// or a Patient without an enterprise identifier, is a miss.
func (f *FHIRClient) Resolve(ctx context.Context, id hl7.Identifier, target hl7.AssigningAuthority) (hl7.Identifier, error) {
	token := identifierSystem(id.Authority) + "|" + id.Value
	endpoint := f.baseURL + "/Patient?identifier=" + url.QueryEscape(token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return hl7.Identifier{}, err
	}
	req.SetBasicAuth(f.clientName, f.password)
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return hl7.Identifier{}, fmt.Errorf("fhir patient search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return hl7.Identifier{}, fmt.Errorf("fhir patient search: unexpected status %d", resp.StatusCode)
	}

	var bundle fhirBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return hl7.Identifier{}, fmt.Errorf("fhir patient search: decode bundle: %w", err)
	}

	for _, entry := range bundle.Entry {
		for _, ident := range entry.Resource.Identifier {
			if ident.System == f.enterpriseSystem && ident.Value != "" {
				return hl7.Identifier{Value: ident.Value, Authority: target}, nil
			}
		}
	}

	return hl7.Identifier{}, nil
}

// Register creates a Patient resource carrying every known identifier
// and whatever demographics the submission yielded.
func (f *FHIRClient) Register(ctx context.Context, rec hl7v2.PatientRecord) error {
	patient := fhirPatient{
		ResourceType: "Patient",
		Gender:       fhirGender(rec.Gender),
		BirthDate:    fhirDate(rec.BirthDate),
	}
	for _, id := range rec.Identifiers {
		patient.Identifier = append(patient.Identifier, fhirIdentifier{
			System: identifierSystem(id.Authority),
			Value:  id.Value,
		})
	}
	if rec.FamilyName != "" || rec.GivenName != "" {
		name := fhirHumanName{Family: rec.FamilyName}
		if rec.GivenName != "" {
			name.Given = []string{rec.GivenName}
		}
		patient.Name = []fhirHumanName{name}
	}
	if rec.Telecom != "" {
		patient.Telecom = []fhirContactPoint{{Value: rec.Telecom}}
	}
	if rec.LanguageCode != "" {
		patient.Communication = []fhirCommunication{{
			Language: fhirCodeableConcept{Coding: []fhirCoding{{Code: rec.LanguageCode}}},
		}}
	}

	body, err := json.Marshal(patient)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/Patient", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(f.clientName, f.password)
	req.Header.Set("Content-Type", "application/fhir+json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fhir patient create: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fhir patient create: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// fhirGender maps HL7v2 administrative sex codes and FHIR gender
// strings onto the FHIR value set.
func fhirGender(g string) string {
	switch strings.ToLower(g) {
	case "":
		return ""
	case "m", "male":
		return "male"
	case "f", "female":
		return "female"
	case "o", "other":
		return "other"
	default:
		return "unknown"
	}
}

// fhirDate converts a YYYYMMDD HL7 date to YYYY-MM-DD. Values already
// dashed, or too short to split, pass through unchanged.
func fhirDate(d string) string {
	if len(d) == 8 && !strings.Contains(d, "-") {
		return d[:4] + "-" + d[4:6] + "-" + d[6:]
	}
	return d
}
