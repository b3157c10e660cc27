package dsub

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service provides business logic for subscription management and turns
// document events into queued notifications.
type Service struct {
	repo        Repository
	maxAttempts int
	logger      zerolog.Logger
}

// NewService creates a new subscription service. maxAttempts bounds the
// delivery attempts per notification.
func NewService(repo Repository, maxAttempts int, logger zerolog.Logger) *Service {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Service{repo: repo, maxAttempts: maxAttempts, logger: logger}
}

var validStatuses = map[string]bool{
	StatusActive: true, StatusOff: true,
}

// resolveHost is a variable to allow test injection.
var resolveHost = net.LookupHost

func validateEndpointURL(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("endpoint URL scheme must be http or https, got %q", u.Scheme)
	}

	hostname := u.Hostname()
	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "0.0.0.0" || lower == "[::]" || lower == "::" {
		return fmt.Errorf("endpoint hostname %q is not allowed", hostname)
	}

	ips, err := resolveHost(hostname)
	if err != nil {
		return fmt.Errorf("cannot resolve endpoint hostname %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("endpoint resolves to private/reserved IP %s", ipStr)
		}
		// Block cloud metadata endpoint
		if ip.Equal(net.ParseIP("169.254.169.254")) {
			return fmt.Errorf("endpoint resolves to cloud metadata IP %s", ipStr)
		}
	}

	env := os.Getenv("ENV")
	if env == "production" && scheme != "https" {
		return fmt.Errorf("endpoint must use HTTPS in production")
	}

	return nil
}

func (s *Service) CreateSubscription(ctx context.Context, sub *Subscription) error {
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if err := validateEndpointURL(sub.Endpoint); err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if sub.Status == "" {
		sub.Status = StatusActive
	}
	if !validStatuses[sub.Status] {
		return fmt.Errorf("invalid status: %s", sub.Status)
	}

	if existing, err := s.repo.GetByEndpoint(ctx, sub.Endpoint, sub.FacilityID); err == nil && existing != nil {
		return fmt.Errorf("subscription already exists for this endpoint and facility")
	}

	return s.repo.Create(ctx, sub)
}

func (s *Service) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	if sub.Status != "" && !validStatuses[sub.Status] {
		return fmt.Errorf("invalid status: %s", sub.Status)
	}
	if sub.Endpoint != "" {
		if err := validateEndpointURL(sub.Endpoint); err != nil {
			return fmt.Errorf("invalid endpoint: %w", err)
		}
	}
	return s.repo.Update(ctx, sub)
}

func (s *Service) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) ListSubscriptions(ctx context.Context, limit, offset int) ([]*Subscription, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) ListNotificationsBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit, offset int) ([]*Notification, int, error) {
	return s.repo.ListNotificationsBySubscription(ctx, subscriptionID, limit, offset)
}

// NotifyNewDocument queues one notification per matching active
// subscription. Queueing failures are logged and skipped so one broken
// subscriber cannot block the submission flow.
func (s *Service) NotifyNewDocument(ctx context.Context, ev DocumentEvent) {
	subs, err := s.repo.ListActive(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list active subscriptions")
		return
	}

	for _, sub := range subs {
		if !sub.Matches(ev.FacilityID) {
			continue
		}

		n := &Notification{
			SubscriptionID: sub.ID,
			DocumentID:     ev.DocumentID,
			PatientID:      ev.PatientID,
			FacilityID:     ev.FacilityID,
			Status:         DeliveryPending,
			MaxAttempts:    s.maxAttempts,
			NextAttemptAt:  time.Now(),
		}
		if err := s.repo.CreateNotification(ctx, n); err != nil {
			s.logger.Error().Err(err).
				Str("subscription_id", sub.ID.String()).
				Str("document_id", ev.DocumentID).
				Msg("failed to queue notification")
		}
	}
}
