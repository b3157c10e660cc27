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

// PIXClient resolves identifiers through a PIX manager over MLLP and
// registers unknown patients with an ADT^A04 identity feed. Every
// exchange raises an audit event.
type PIXClient struct {
	client *hl7v2.Client
	addr   hl7v2.Addressing
	audit  atna.Recorder
	logger zerolog.Logger
}

// NewPIXClient creates a PIX client dialing the configured manager.
func NewPIXClient(cfg *config.Config, audit atna.Recorder, logger zerolog.Logger) *PIXClient {
	return &PIXClient{
		client: hl7v2.NewClient(cfg.PIXManagerAddr()),
		addr: hl7v2.Addressing{
			SendingApplication:   cfg.PIXSendingApplication,
			SendingFacility:      cfg.PIXSendingFacility,
			ReceivingApplication: cfg.PIXReceivingApplication,
			ReceivingFacility:    cfg.PIXReceivingFacility,
		},
		audit:  audit,
		logger: logger,
	}
}

// Resolve issues a QBP^Q23 cross-reference query. A manager that does
// not know the identifier yields a zero Identifier and a nil error.
func (p *PIXClient) Resolve(ctx context.Context, id hl7.Identifier, target hl7.AssigningAuthority) (hl7.Identifier, error) {
	query, controlID := hl7v2.BuildPIXQuery(p.addr, id, target)

	raw, err := p.client.Send(ctx, query)
	if err != nil {
		p.recordQuery(ctx, id, atna.OutcomeMajorFailure, err.Error())
		return hl7.Identifier{}, fmt.Errorf("pix query %s: %w", controlID, err)
	}

	resolved, err := hl7v2.ReadPIXQueryResponse(raw, target)
	if err != nil {
		p.recordQuery(ctx, id, atna.OutcomeMinorFailure, err.Error())
		return hl7.Identifier{}, fmt.Errorf("pix query %s: %w", controlID, err)
	}

	p.recordQuery(ctx, id, atna.OutcomeSuccess, "")
	return resolved, nil
}

// Register feeds an unknown patient to the manager as ADT^A04.
func (p *PIXClient) Register(ctx context.Context, rec hl7v2.PatientRecord) error {
	feed, controlID := hl7v2.BuildIdentityFeed(p.addr, rec)

	patientIDs := make([]string, 0, len(rec.Identifiers))
	for _, id := range rec.Identifiers {
		patientIDs = append(patientIDs, id.CX())
	}

	raw, err := p.client.Send(ctx, feed)
	if err != nil {
		p.recordFeed(ctx, patientIDs, atna.OutcomeMajorFailure, err.Error())
		return fmt.Errorf("pix identity feed %s: %w", controlID, err)
	}

	if err := hl7v2.ReadFeedResponse(raw); err != nil {
		p.recordFeed(ctx, patientIDs, atna.OutcomeMinorFailure, err.Error())
		return fmt.Errorf("pix identity feed %s: %w", controlID, err)
	}

	p.recordFeed(ctx, patientIDs, atna.OutcomeSuccess, "")
	return nil
}

func (p *PIXClient) recordQuery(ctx context.Context, id hl7.Identifier, outcome, desc string) {
	p.audit.Record(ctx, atna.Event{
		Type:          atna.TypePIXRequest,
		CorrelationID: atna.CorrelationIDFromContext(ctx),
		PatientIDs:    []string{id.CX()},
		Outcome:       outcome,
		OutcomeDesc:   desc,
		RemoteAddr:    p.client.Addr(),
	})
}

func (p *PIXClient) recordFeed(ctx context.Context, patientIDs []string, outcome, desc string) {
	p.audit.Record(ctx, atna.Event{
		Type:          atna.TypePIXIdentityFeed,
		CorrelationID: atna.CorrelationIDFromContext(ctx),
		PatientIDs:    patientIDs,
		Outcome:       outcome,
		OutcomeDesc:   desc,
		RemoteAddr:    p.client.Addr(),
	})
}
