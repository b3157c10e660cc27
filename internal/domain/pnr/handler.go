package pnr

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/openhie/xds-mediator/internal/config"
	"github.com/openhie/xds-mediator/internal/domain/atna"
	"github.com/openhie/xds-mediator/internal/domain/dsub"
	"github.com/openhie/xds-mediator/internal/platform/soap"
)

const soapContentType = "application/soap+xml; charset=utf-8"

// Publisher receives the document event raised after a successful
// registration so subscribers can be notified.
type Publisher interface {
	NotifyNewDocument(ctx context.Context, ev dsub.DocumentEvent)
}

// Handler is the PnR ingress endpoint. The route carries no
// authentication (the upstream gateway terminates trust), but every
// submission is audited.
type Handler struct {
	cfg       *config.Config
	orch      *Orchestrator
	audit     atna.Recorder
	publisher Publisher
	logger    zerolog.Logger
}

// NewHandler creates the PnR handler.
func NewHandler(cfg *config.Config, orch *Orchestrator, audit atna.Recorder, publisher Publisher, logger zerolog.Logger) *Handler {
	return &Handler{cfg: cfg, orch: orch, audit: audit, publisher: publisher, logger: logger}
}

// RegisterRoutes registers the repository endpoint on the root router.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/xdsrepository", h.ProvideAndRegister)
}

// ProvideAndRegister handles an ITI-41 transaction. Per the XDS
// convention the HTTP status is 200 for both outcomes; failure is
// signalled by the RegistryResponse body.
func (h *Handler) ProvideAndRegister(c echo.Context) error {
	correlationID := uuid.NewString()
	ctx := atna.WithCorrelationID(c.Request().Context(), correlationID)

	logger := h.logger.With().Str("correlation_id", correlationID).Logger()

	req, err := readSOAPRequest(c)
	if err != nil {
		logger.Warn().Err(err).Msg("rejected unreadable submission")
		h.recordRegister(ctx, correlationID, nil, atna.OutcomeMinorFailure, err.Error(), c.RealIP())
		return h.respondFailure(c, "", InternalError("failed to parse Provide and Register request"))
	}

	var result *Result
	if h.cfg.SendParseOrchestration {
		// Parse runs as its own logged stage; the orchestrator reuses
		// the parsed transaction instead of parsing again.
		tx, perr := Parse(req.Envelope, req.Parts)
		if perr != nil {
			logger.Warn().Err(perr).Msg("parse orchestration rejected submission")
			h.recordRegister(ctx, correlationID, nil, atna.OutcomeMinorFailure, perr.Error(), c.RealIP())
			return h.respondFailure(c, req.MessageID, InternalError("failed to parse Provide and Register request"))
		}
		logger.Debug().Int("document_entries", len(tx.DocEntries)).Msg("parse orchestration complete")
		result = h.orch.OrchestrateParsed(ctx, tx)
	} else {
		result = h.orch.Orchestrate(ctx, req.Envelope, req.Parts)
	}

	if !result.Success {
		logger.Info().Int("errors", len(result.Errors)).Msg("provide and register failed")
		h.recordRegister(ctx, correlationID, nil, atna.OutcomeMinorFailure, failureSummary(result), c.RealIP())
		return h.respond(c, result.Body, req.MessageID)
	}

	logger.Info().
		Str("patient_id", result.PatientID).
		Int("documents", len(result.DocumentIDs)).
		Msg("provide and register enriched")

	var patientIDs []string
	if result.PatientID != "" {
		patientIDs = []string{result.PatientID}
	}
	h.recordRegister(ctx, correlationID, patientIDs, atna.OutcomeSuccess, "", c.RealIP())

	for _, docID := range result.DocumentIDs {
		h.publisher.NotifyNewDocument(ctx, dsub.DocumentEvent{
			DocumentID: docID,
			PatientID:  result.PatientID,
			FacilityID: result.FacilityID,
		})
	}

	return c.Blob(http.StatusOK, soapContentType, result.Body)
}

func (h *Handler) respondFailure(c echo.Context, relatesTo string, errs ...RegistryError) error {
	return h.respond(c, BuildFailureResponse(errs), relatesTo)
}

func (h *Handler) respond(c echo.Context, registryBody []byte, relatesTo string) error {
	envelope := wrapResponse(registryBody, relatesTo)
	return c.Blob(http.StatusOK, soapContentType, envelope)
}

func (h *Handler) recordRegister(ctx context.Context, correlationID string, patientIDs []string, outcome, desc, remote string) {
	h.audit.Record(ctx, atna.Event{
		Type:          atna.TypeXDSRegister,
		CorrelationID: correlationID,
		PatientIDs:    patientIDs,
		Outcome:       outcome,
		OutcomeDesc:   desc,
		RemoteAddr:    remote,
	})
}

func readSOAPRequest(c echo.Context) (*soap.Request, error) {
	return soap.ReadRequest(c.Request().Header.Get("Content-Type"), c.Request().Body)
}

func wrapResponse(registryBody []byte, relatesTo string) []byte {
	return soap.BuildResponseEnvelope(soap.ActionProvideAndRegisterResponse, relatesTo, registryBody)
}

func failureSummary(result *Result) string {
	if len(result.Errors) == 0 {
		return "registration failed"
	}
	return result.Errors[0].Context
}
