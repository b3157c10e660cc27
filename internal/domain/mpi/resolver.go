// Package mpi talks to the Master Patient Index / Client Registry. It
// resolves local identifiers into their enterprise equivalents and
// registers previously unknown patients. Three transport variants exist:
// PIX over HL7v2/MLLP, FHIR R4 over HTTP, and an internal in-memory
// registry used for deterministic mappings and tests.
package mpi

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openhie/xds-mediator/internal/config"
	"github.com/openhie/xds-mediator/internal/domain/atna"
	"github.com/openhie/xds-mediator/internal/platform/hl7"
	"github.com/openhie/xds-mediator/internal/platform/hl7v2"
)

// Resolver translates an identifier into the target enterprise domain.
// A zero Identifier with a nil error means the registry does not know
// the identifier (a miss, not a failure).
type Resolver interface {
	Resolve(ctx context.Context, id hl7.Identifier, target hl7.AssigningAuthority) (hl7.Identifier, error)
}

// IdentityFeed registers a patient that the registry reported as
// unknown, so a follow-up Resolve can succeed.
type IdentityFeed interface {
	Register(ctx context.Context, rec hl7v2.PatientRecord) error
}

// Clients bundles the per-category resolvers and the identity feed the
// orchestrator works with. The feed transport follows the patient
// resolver mode.
type Clients struct {
	Patients   Resolver
	Providers  Resolver
	Facilities Resolver
	Feed       IdentityFeed
}

// BuildClients wires the resolver variants selected in the
// configuration. PIX variants share one MLLP client; internal variants
// share one in-memory registry.
func BuildClients(cfg *config.Config, audit atna.Recorder, logger zerolog.Logger) (*Clients, error) {
	var (
		pix      *PIXClient
		fhir     *FHIRClient
		internal *InternalRegistry
	)

	variant := func(mode string) (Resolver, error) {
		switch mode {
		case "pix":
			if pix == nil {
				pix = NewPIXClient(cfg, audit, logger)
			}
			return pix, nil
		case "fhir":
			if fhir == nil {
				fhir = NewFHIRClient(cfg, logger)
			}
			return fhir, nil
		case "internal":
			if internal == nil {
				internal = NewInternalRegistry()
			}
			return internal, nil
		default:
			return nil, fmt.Errorf("mpi: unknown resolver mode %q", mode)
		}
	}

	c := &Clients{}
	var err error
	if c.Patients, err = variant(cfg.ResolverPatientsMode); err != nil {
		return nil, err
	}
	if c.Providers, err = variant(cfg.ResolverProvidersMode); err != nil {
		return nil, err
	}
	if c.Facilities, err = variant(cfg.ResolverFacilitiesMode); err != nil {
		return nil, err
	}

	switch cfg.ResolverPatientsMode {
	case "pix":
		c.Feed = pix
	case "fhir":
		c.Feed = fhir
	case "internal":
		c.Feed = NewInternalFeed(internal, cfg.PatientAuthority())
	}

	return c, nil
}
