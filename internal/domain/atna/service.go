package atna

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Recorder is the write side of the audit trail. Transaction code records
// events through this interface; recording never fails the transaction,
// so Record has no error return.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Emitter forwards audit events to an external audit record repository.
type Emitter interface {
	Emit(ev Event) error
}

type Service struct {
	repo    Repository
	emitter Emitter
	logger  zerolog.Logger
}

// NewService creates the audit service. emitter may be nil when no
// external audit repository is configured.
func NewService(repo Repository, emitter Emitter, logger zerolog.Logger) *Service {
	return &Service{repo: repo, emitter: emitter, logger: logger}
}

// Record persists the event and forwards it to the audit repository.
// Failures are logged and swallowed: an audit outage must not take the
// document flow down with it.
func (s *Service) Record(ctx context.Context, ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Recorded.IsZero() {
		ev.Recorded = time.Now().UTC()
	}

	if err := s.repo.Create(ctx, &ev); err != nil {
		s.logger.Warn().Err(err).
			Str("type", ev.Type).
			Str("correlation_id", ev.CorrelationID).
			Msg("failed to persist audit event")
	}

	if s.emitter != nil {
		if err := s.emitter.Emit(ev); err != nil {
			s.logger.Warn().Err(err).
				Str("type", ev.Type).
				Msg("failed to forward audit event")
		}
	}
}

func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) SearchEvents(ctx context.Context, params map[string]string, limit, offset int) ([]*Event, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}
