package pnr

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/rs/zerolog"

	"github.com/openhie/xds-mediator/internal/config"
	"github.com/openhie/xds-mediator/internal/domain/mpi"
	"github.com/openhie/xds-mediator/internal/platform/hl7"
	"github.com/openhie/xds-mediator/internal/platform/hl7v2"
)

type mockResolver struct {
	mu      sync.Mutex
	calls   map[string]int
	resolve func(id hl7.Identifier, target hl7.AssigningAuthority) (hl7.Identifier, error)
}

func (m *mockResolver) Resolve(ctx context.Context, id hl7.Identifier, target hl7.AssigningAuthority) (hl7.Identifier, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[id.Value]++
	m.mu.Unlock()

	if m.resolve != nil {
		return m.resolve(id, target)
	}
	return hl7.Identifier{}, nil
}

func (m *mockResolver) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

func resolveTo(value string) func(hl7.Identifier, hl7.AssigningAuthority) (hl7.Identifier, error) {
	return func(_ hl7.Identifier, target hl7.AssigningAuthority) (hl7.Identifier, error) {
		return hl7.Identifier{Value: value, Authority: target}, nil
	}
}

type mockFeed struct {
	mu      sync.Mutex
	records []hl7v2.PatientRecord
	err     error
	onFeed  func()
}

func (m *mockFeed) Register(ctx context.Context, rec hl7v2.PatientRecord) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	if m.onFeed != nil {
		m.onFeed()
	}
	return m.err
}

func testConfig() *config.Config {
	return &config.Config{
		ProvidersEnrich:           true,
		FacilitiesEnrich:          true,
		PatientAANamespace:        "ECID",
		PatientAAUniversalID:      "ECID",
		PatientAAUniversalIDType:  "ECID",
		ProviderAANamespace:       "EPID",
		ProviderAAUniversalID:     "EPID",
		ProviderAAUniversalIDType: "EPID",
		FacilityAANamespace:       "ELID",
		FacilityAAUniversalID:     "ELID",
		FacilityAAUniversalIDType: "ELID",
		ResolveTimeout:            5 * time.Second,
		TransactionDeadline:       10 * time.Second,
	}
}

func newTestOrchestrator(cfg *config.Config, patients, providers, facilities *mockResolver, feed *mockFeed) *Orchestrator {
	return NewOrchestrator(cfg, &mpi.Clients{
		Patients:   patients,
		Providers:  providers,
		Facilities: facilities,
		Feed:       feed,
	}, zerolog.Nop())
}

func allResolving() (*mockResolver, *mockResolver, *mockResolver) {
	return &mockResolver{resolve: resolveTo("ECID1")},
		&mockResolver{resolve: resolveTo("EPID1")},
		&mockResolver{resolve: resolveTo("ELID1")}
}

func externalIdentifierValues(t *testing.T, envelope []byte, scheme string) []string {
	t.Helper()
	doc, err := xmlquery.Parse(bytes.NewReader(envelope))
	if err != nil {
		t.Fatalf("failed to parse enriched envelope: %v", err)
	}
	var values []string
	for _, ei := range xmlquery.Find(doc, "//*[local-name()='ExternalIdentifier']") {
		if ei.SelectAttr("identificationScheme") == scheme {
			values = append(values, ei.SelectAttr("value"))
		}
	}
	return values
}

func TestOrchestrate_EnrichesPatientIdentifiers(t *testing.T) {
	patients, providers, facilities := allResolving()
	orch := newTestOrchestrator(testConfig(), patients, providers, facilities, &mockFeed{})

	result := orch.Orchestrate(context.Background(), loadFixture(t, "pnr1.xml"), nil)
	if !result.Success {
		t.Fatalf("expected success, got errors %+v", result.Errors)
	}

	for _, scheme := range []string{uuidSubmissionSetPatientID, uuidDocEntryPatientID} {
		for _, v := range externalIdentifierValues(t, result.Body, scheme) {
			if v != "ECID1^^^ECID&ECID&ECID" {
				t.Errorf("patient identifier = %q, want ECID1^^^ECID&ECID&ECID", v)
			}
		}
	}
	if result.PatientID != "ECID1^^^ECID&ECID&ECID" {
		t.Errorf("result patient id = %q", result.PatientID)
	}
	if len(result.DocumentIDs) != 2 {
		t.Errorf("document ids = %v", result.DocumentIDs)
	}
}

func TestOrchestrate_EnrichesProviderAndFacilitySites(t *testing.T) {
	patients, providers, facilities := allResolving()
	orch := newTestOrchestrator(testConfig(), patients, providers, facilities, &mockFeed{})

	result := orch.Orchestrate(context.Background(), loadFixture(t, "pnr1.xml"), nil)
	if !result.Success {
		t.Fatalf("expected success, got errors %+v", result.Errors)
	}

	doc, err := xmlquery.Parse(bytes.NewReader(result.Body))
	if err != nil {
		t.Fatalf("failed to parse enriched envelope: %v", err)
	}

	var persons, institutions []string
	for _, slot := range xmlquery.Find(doc, "//*[local-name()='Slot']") {
		for _, v := range xmlquery.Find(slot, ".//*[local-name()='Value']") {
			switch slot.SelectAttr("name") {
			case "authorPerson":
				persons = append(persons, v.InnerText())
			case "authorInstitution":
				institutions = append(institutions, v.InnerText())
			}
		}
	}

	for _, p := range persons {
		if p != "EPID1^^^^^^^^EPID&EPID&EPID" {
			t.Errorf("author person = %q", p)
		}
	}
	wantInstitutions := map[string]bool{
		"Some Hospital^^^^^ELID&ELID&ELID^^^^ELID1":    true,
		"Another Hospital^^^^^ELID&ELID&ELID^^^^ELID1": true,
	}
	for _, inst := range institutions {
		if !wantInstitutions[inst] {
			t.Errorf("author institution = %q", inst)
		}
	}
	if result.FacilityID != "ELID1" {
		t.Errorf("result facility id = %q", result.FacilityID)
	}
}

func TestOrchestrate_DeduplicatesResolveCalls(t *testing.T) {
	patients, providers, facilities := allResolving()
	orch := newTestOrchestrator(testConfig(), patients, providers, facilities, &mockFeed{})

	result := orch.Orchestrate(context.Background(), loadFixture(t, "pnr2.xml"), nil)
	if !result.Success {
		t.Fatalf("expected success, got errors %+v", result.Errors)
	}

	if got := patients.calls["1111111111"]; got != 1 {
		t.Errorf("patient resolve calls = %d, want 1", got)
	}
}

func TestOrchestrate_PatientMissAutoRegisterOff(t *testing.T) {
	patients := &mockResolver{}
	_, providers, facilities := allResolving()
	orch := newTestOrchestrator(testConfig(), patients, providers, facilities, &mockFeed{})

	result := orch.Orchestrate(context.Background(), loadFixture(t, "pnr1.xml"), nil)
	if result.Success {
		t.Fatal("expected failure")
	}

	body := string(result.Body)
	for _, want := range []string{
		`errorCode="XDSUnknownPatientId" codeContext="Failed to resolve patient identifier: 1111111111^^^&amp;1.2.3&amp;ISO"`,
		`errorCode="XDSUnknownPatientId" codeContext="Failed to resolve patient identifier: 76cc765a442f410^^^&amp;1.3.6.1.4.1.21367.2005.3.7&amp;ISO"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("failure body missing %q:\n%s", want, body)
		}
	}
}

func TestOrchestrate_ProviderMiss(t *testing.T) {
	patients := &mockResolver{resolve: resolveTo("ECID1")}
	providers := &mockResolver{}
	facilities := &mockResolver{resolve: resolveTo("ELID1")}
	orch := newTestOrchestrator(testConfig(), patients, providers, facilities, &mockFeed{})

	result := orch.Orchestrate(context.Background(), loadFixture(t, "pnr1.xml"), nil)
	if result.Success {
		t.Fatal("expected failure")
	}

	body := string(result.Body)
	for _, want := range []string{
		`errorCode="XDSRepositoryError" codeContext="Failed to resolve healthcare worker identifier: pro111^^^^^^^^&amp;1.2.3"`,
		`errorCode="XDSRepositoryError" codeContext="Failed to resolve healthcare worker identifier: pro112^^^^^^^^&amp;1.2.3"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("failure body missing %q:\n%s", want, body)
		}
	}
}

func TestOrchestrate_FacilityMiss(t *testing.T) {
	patients := &mockResolver{resolve: resolveTo("ECID1")}
	providers := &mockResolver{resolve: resolveTo("EPID1")}
	facilities := &mockResolver{}
	orch := newTestOrchestrator(testConfig(), patients, providers, facilities, &mockFeed{})

	result := orch.Orchestrate(context.Background(), loadFixture(t, "pnr1.xml"), nil)
	if result.Success {
		t.Fatal("expected failure")
	}

	body := string(result.Body)
	for _, want := range []string{
		`errorCode="XDSRepositoryError" codeContext="Failed to resolve facility identifier: Some Hospital^^^^^&amp;1.2.3.4.5.6.7.8.9.1789^^^^45"`,
		`errorCode="XDSRepositoryError" codeContext="Failed to resolve facility identifier: Another Hospital^^^^^&amp;1.2.3.4.5.6.7.8.9.1789^^^^53"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("failure body missing %q:\n%s", want, body)
		}
	}
}

func TestOrchestrate_DisabledCategoriesSkipResolution(t *testing.T) {
	cfg := testConfig()
	cfg.ProvidersEnrich = false
	cfg.FacilitiesEnrich = false

	patients := &mockResolver{resolve: resolveTo("ECID1")}
	providers := &mockResolver{}
	facilities := &mockResolver{}
	orch := newTestOrchestrator(cfg, patients, providers, facilities, &mockFeed{})

	result := orch.Orchestrate(context.Background(), loadFixture(t, "pnr1.xml"), nil)
	if !result.Success {
		t.Fatalf("expected success, got errors %+v", result.Errors)
	}
	if providers.callCount() != 0 {
		t.Errorf("provider resolve calls = %d, want 0", providers.callCount())
	}
	if facilities.callCount() != 0 {
		t.Errorf("facility resolve calls = %d, want 0", facilities.callCount())
	}
}

func TestOrchestrate_AutoRegisterFeedsOnceWithCDADemographics(t *testing.T) {
	cfg := testConfig()
	cfg.PatientsAutoRegister = true

	patients := &mockResolver{}
	_, providers, facilities := allResolving()
	feed := &mockFeed{}
	orch := newTestOrchestrator(cfg, patients, providers, facilities, feed)

	result := orch.Orchestrate(context.Background(), loadFixture(t, "pnr3.xml"), nil)
	if result.Success {
		t.Fatal("expected failure when patients stay unresolved after the feed")
	}

	if len(feed.records) != 1 {
		t.Fatalf("identity feed invocations = %d, want 1", len(feed.records))
	}
	rec := feed.records[0]
	if len(rec.Identifiers) != 2 {
		t.Errorf("feed identifiers = %d, want 2", len(rec.Identifiers))
	}
	if rec.GivenName != "Jane" || rec.FamilyName != "Doe" || rec.Gender != "F" ||
		rec.BirthDate != "19860101" || rec.Telecom != "tel:+27832222222" || rec.LanguageCode != "eng" {
		t.Errorf("feed demographics = %+v", rec)
	}

	if !strings.Contains(string(result.Body), "XDSUnknownPatientId") {
		t.Error("failure body missing XDSUnknownPatientId after persistent miss")
	}
}

func TestOrchestrate_AutoRegisterThenReResolve(t *testing.T) {
	cfg := testConfig()
	cfg.PatientsAutoRegister = true

	var registered bool
	var mu sync.Mutex
	patients := &mockResolver{resolve: func(id hl7.Identifier, target hl7.AssigningAuthority) (hl7.Identifier, error) {
		mu.Lock()
		defer mu.Unlock()
		if registered {
			return hl7.Identifier{Value: "ECID1", Authority: target}, nil
		}
		return hl7.Identifier{}, nil
	}}
	_, providers, facilities := allResolving()
	feed := &mockFeed{onFeed: func() {
		mu.Lock()
		registered = true
		mu.Unlock()
	}}
	orch := newTestOrchestrator(cfg, patients, providers, facilities, feed)

	result := orch.Orchestrate(context.Background(), loadFixture(t, "pnr1.xml"), nil)
	if !result.Success {
		t.Fatalf("expected success after re-resolve, got errors %+v", result.Errors)
	}
	if len(feed.records) != 1 {
		t.Errorf("identity feed invocations = %d, want 1", len(feed.records))
	}
	if result.PatientID != "ECID1^^^ECID&ECID&ECID" {
		t.Errorf("patient id = %q", result.PatientID)
	}
}

func TestOrchestrate_AutoRegisterFeedFailure(t *testing.T) {
	cfg := testConfig()
	cfg.PatientsAutoRegister = true

	patients := &mockResolver{}
	_, providers, facilities := allResolving()
	feed := &mockFeed{err: errors.New("mpi rejected the registration")}
	orch := newTestOrchestrator(cfg, patients, providers, facilities, feed)

	result := orch.Orchestrate(context.Background(), loadFixture(t, "pnr1.xml"), nil)
	if result.Success {
		t.Fatal("expected failure")
	}
	body := string(result.Body)
	if !strings.Contains(body, "XDSRepositoryError") || !strings.Contains(body, "mpi rejected the registration") {
		t.Errorf("failure body missing feed error:\n%s", body)
	}
}

func TestOrchestrate_TransportErrorAggregated(t *testing.T) {
	patients := &mockResolver{resolve: func(hl7.Identifier, hl7.AssigningAuthority) (hl7.Identifier, error) {
		return hl7.Identifier{}, errors.New("pix manager unreachable")
	}}
	_, providers, facilities := allResolving()
	orch := newTestOrchestrator(testConfig(), patients, providers, facilities, &mockFeed{})

	result := orch.Orchestrate(context.Background(), loadFixture(t, "pnr1.xml"), nil)
	if result.Success {
		t.Fatal("expected failure")
	}
	body := string(result.Body)
	if !strings.Contains(body, `errorCode="XDSRepositoryError"`) || !strings.Contains(body, "pix manager unreachable") {
		t.Errorf("failure body missing transport error:\n%s", body)
	}
}

func TestOrchestrate_TransactionDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.TransactionDeadline = 50 * time.Millisecond

	patients := &mockResolver{resolve: func(hl7.Identifier, hl7.AssigningAuthority) (hl7.Identifier, error) {
		time.Sleep(500 * time.Millisecond)
		return hl7.Identifier{Value: "ECID1"}, nil
	}}
	_, providers, facilities := allResolving()
	orch := newTestOrchestrator(cfg, patients, providers, facilities, &mockFeed{})

	result := orch.Orchestrate(context.Background(), loadFixture(t, "pnr1.xml"), nil)
	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(string(result.Body), "transaction deadline exceeded") {
		t.Errorf("failure body = %s", result.Body)
	}
}

func TestOrchestrate_MultipleEnterprisePatients(t *testing.T) {
	counter := 0
	var mu sync.Mutex
	patients := &mockResolver{resolve: func(_ hl7.Identifier, target hl7.AssigningAuthority) (hl7.Identifier, error) {
		mu.Lock()
		counter++
		value := "ECID1"
		if counter > 1 {
			value = "ECID2"
		}
		mu.Unlock()
		return hl7.Identifier{Value: value, Authority: target}, nil
	}}
	_, providers, facilities := allResolving()
	orch := newTestOrchestrator(testConfig(), patients, providers, facilities, &mockFeed{})

	result := orch.Orchestrate(context.Background(), loadFixture(t, "pnr1.xml"), nil)
	if result.Success {
		t.Fatal("expected failure for conflicting enterprise patients")
	}
	if !strings.Contains(string(result.Body), `errorCode="XDSRegistryError"`) {
		t.Errorf("failure body = %s", result.Body)
	}
}

func TestOrchestrate_MalformedEnvelope(t *testing.T) {
	patients, providers, facilities := allResolving()
	orch := newTestOrchestrator(testConfig(), patients, providers, facilities, &mockFeed{})

	result := orch.Orchestrate(context.Background(), []byte("<garbage"), nil)
	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(string(result.Body), `errorCode="XDSRegistryError"`) {
		t.Errorf("failure body = %s", result.Body)
	}
}
