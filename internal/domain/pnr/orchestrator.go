package pnr

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openhie/xds-mediator/internal/config"
	"github.com/openhie/xds-mediator/internal/domain/mpi"
	"github.com/openhie/xds-mediator/internal/platform/hl7"
)

// Result is the terminal outcome of one PnR transaction. On success
// Body carries the enriched envelope; on failure it carries the ebXML
// RegistryResponse payload (not yet SOAP-wrapped).
type Result struct {
	Success     bool
	Body        []byte
	Errors      []RegistryError
	PatientID   string
	FacilityID  string
	DocumentIDs []string
}

type resolutionState int

const (
	stateInFlight resolutionState = iota
	stateResolved
	stateNotFound
	stateError
)

// resolution tracks one unique identifier key through the fan-out.
type resolution struct {
	occ      *Occurrence
	state    resolutionState
	resolved hl7.Identifier
	reason   string
}

type resolveResult struct {
	key      string
	resolved hl7.Identifier
	err      error
}

// Orchestrator drives a PnR transaction through parse, extract,
// concurrent resolution, optional identity feed, and enrichment. One
// call handles one transaction; the orchestrator itself is stateless
// and safe for concurrent use.
type Orchestrator struct {
	cfg        *config.Config
	patients   mpi.Resolver
	providers  mpi.Resolver
	facilities mpi.Resolver
	feed       mpi.IdentityFeed
	logger     zerolog.Logger
}

// NewOrchestrator creates an orchestrator over the resolver clients.
func NewOrchestrator(cfg *config.Config, clients *mpi.Clients, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		patients:   clients.Patients,
		providers:  clients.Providers,
		facilities: clients.Facilities,
		feed:       clients.Feed,
		logger:     logger,
	}
}

// Orchestrate parses the envelope and runs the transaction. Failures
// never surface as errors; they fold into a failure Result.
func (o *Orchestrator) Orchestrate(ctx context.Context, envelope []byte, parts map[string][]byte) *Result {
	tx, err := Parse(envelope, parts)
	if err != nil {
		o.logger.Warn().Err(err).Msg("rejected malformed submission")
		return failure(InternalError("failed to parse Provide and Register request"))
	}
	return o.OrchestrateParsed(ctx, tx)
}

// OrchestrateParsed runs the transaction over an already-parsed
// submission (parse-orchestration mode).
func (o *Orchestrator) OrchestrateParsed(ctx context.Context, tx *Transaction) *Result {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TransactionDeadline)
	defer cancel()

	occs := Extract(tx)

	jobs := o.resolutionPlan(occs)
	resolutions := make(map[string]*resolution, len(jobs))
	for _, occ := range jobs {
		resolutions[occ.Key()] = &resolution{occ: occ, state: stateInFlight}
	}

	if !o.fanOut(ctx, jobs, resolutions) {
		o.logger.Warn().Msg("transaction deadline exceeded during resolution")
		return failure(InternalError("transaction deadline exceeded"))
	}

	// Triage. Transport errors and category misses are aggregated, not
	// short-circuited, so the response names every failed identifier.
	var errs []RegistryError
	var missedPatients []*Occurrence
	for _, occ := range jobs {
		r := resolutions[occ.Key()]
		switch r.state {
		case stateError:
			errs = append(errs, TransportError(r.reason))
		case stateNotFound:
			switch occ.Category {
			case CategoryPatient:
				missedPatients = append(missedPatients, occ)
			case CategoryProvider:
				errs = append(errs, UnresolvedProviderError(occ.ID))
			case CategoryFacility:
				errs = append(errs, UnresolvedFacilityError(occ.Facility))
			}
		}
	}

	if len(missedPatients) > 0 && o.cfg.PatientsAutoRegister && len(errs) == 0 {
		if err := o.registerPatients(ctx, tx, occs.ByCategory(CategoryPatient)); err != nil {
			return failure(TransportError(fmt.Sprintf("patient identity feed failed: %v", err)))
		}
		if !o.fanOut(ctx, missedPatients, resolutions) {
			return failure(InternalError("transaction deadline exceeded"))
		}
		for _, occ := range missedPatients {
			r := resolutions[occ.Key()]
			switch r.state {
			case stateError:
				errs = append(errs, TransportError(r.reason))
			case stateNotFound:
				errs = append(errs, UnknownPatientError(occ.ID))
			}
		}
	} else {
		for _, occ := range missedPatients {
			errs = append(errs, UnknownPatientError(occ.ID))
		}
	}

	if len(errs) > 0 {
		return failure(errs...)
	}

	return o.enrich(tx, jobs, resolutions)
}

// resolutionPlan returns the unique occurrences whose category is
// enabled. Patients always resolve; providers and facilities follow
// their enrichment flags.
func (o *Orchestrator) resolutionPlan(occs *OccurrenceSet) []*Occurrence {
	var jobs []*Occurrence
	for _, occ := range occs.All() {
		switch occ.Category {
		case CategoryPatient:
			jobs = append(jobs, occ)
		case CategoryProvider:
			if o.cfg.ProvidersEnrich {
				jobs = append(jobs, occ)
			}
		case CategoryFacility:
			if o.cfg.FacilitiesEnrich {
				jobs = append(jobs, occ)
			}
		}
	}
	return jobs
}

// fanOut issues one resolve call per occurrence concurrently and folds
// the outcomes into the resolution map. It returns false when the
// transaction deadline fires first; responses arriving after that are
// discarded (the channel is buffered so workers never block).
func (o *Orchestrator) fanOut(ctx context.Context, jobs []*Occurrence, resolutions map[string]*resolution) bool {
	if len(jobs) == 0 {
		return true
	}

	results := make(chan resolveResult, len(jobs))
	for _, occ := range jobs {
		go func(occ *Occurrence) {
			callCtx, cancel := context.WithTimeout(ctx, o.cfg.ResolveTimeout)
			defer cancel()

			resolved, err := o.resolverFor(occ.Category).Resolve(callCtx, occ.ID, o.targetFor(occ.Category))
			results <- resolveResult{key: occ.Key(), resolved: resolved, err: err}
		}(occ)
	}

	for range jobs {
		select {
		case <-ctx.Done():
			return false
		case res := <-results:
			r := resolutions[res.key]
			switch {
			case res.err != nil:
				r.state = stateError
				r.reason = res.err.Error()
			case res.resolved.IsZero():
				r.state = stateNotFound
			default:
				r.state = stateResolved
				r.resolved = res.resolved
			}
		}
	}
	return true
}

func (o *Orchestrator) resolverFor(category Category) mpi.Resolver {
	switch category {
	case CategoryProvider:
		return o.providers
	case CategoryFacility:
		return o.facilities
	default:
		return o.patients
	}
}

func (o *Orchestrator) targetFor(category Category) hl7.AssigningAuthority {
	switch category {
	case CategoryProvider:
		return o.cfg.ProviderAuthority()
	case CategoryFacility:
		return o.cfg.FacilityAuthority()
	default:
		return o.cfg.PatientAuthority()
	}
}

// registerPatients issues a single identity feed carrying every patient
// identifier of the submission, regardless of how many missed.
func (o *Orchestrator) registerPatients(ctx context.Context, tx *Transaction, patients []*Occurrence) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ResolveTimeout)
	defer cancel()

	rec := buildPatientRecord(tx, patients)
	return o.feed.Register(callCtx, rec)
}

// enrich rewrites every resolved occurrence and serializes the
// envelope. The single-patient invariant is checked here: every patient
// site must carry the same enterprise identifier after enrichment.
func (o *Orchestrator) enrich(tx *Transaction, jobs []*Occurrence, resolutions map[string]*resolution) *Result {
	result := &Result{Success: true}

	var patientECID hl7.Identifier
	for _, occ := range jobs {
		r := resolutions[occ.Key()]
		if r.state != stateResolved || occ.Category != CategoryPatient {
			continue
		}
		if patientECID.IsZero() {
			patientECID = r.resolved
			continue
		}
		if r.resolved != patientECID {
			o.logger.Warn().
				Str("first", patientECID.CX()).
				Str("second", r.resolved.CX()).
				Msg("submission resolves to multiple enterprise patients")
			return failure(InternalError("submission references more than one patient"))
		}
	}

	for _, occ := range jobs {
		r := resolutions[occ.Key()]
		if r.state != stateResolved {
			continue
		}
		rewriteOccurrence(occ, r.resolved)
		if occ.Category == CategoryFacility && result.FacilityID == "" {
			result.FacilityID = r.resolved.Value
		}
	}

	if !patientECID.IsZero() {
		result.PatientID = patientECID.CX()
	}
	for _, entry := range tx.DocEntries {
		if id := entry.SelectAttr("id"); id != "" {
			result.DocumentIDs = append(result.DocumentIDs, id)
		}
	}

	result.Body = tx.Serialize()
	return result
}

func failure(errs ...RegistryError) *Result {
	return &Result{
		Success: false,
		Errors:  errs,
		Body:    BuildFailureResponse(errs),
	}
}
