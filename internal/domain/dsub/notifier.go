package dsub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openhie/xds-mediator/internal/platform/soap"
)

// actionNotify is the WS-BaseNotification action carried on outbound
// notification messages (ITI-53).
const actionNotify = "urn:ihe:iti:2006:Notify"

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) NotifierOption {
	return func(n *Notifier) { n.httpClient = c }
}

// WithInterval overrides how often the queue is polled.
func WithInterval(d time.Duration) NotifierOption {
	return func(n *Notifier) { n.interval = d }
}

// Notifier drains the notification queue: it POSTs a WS-BaseNotification
// message to each subscriber endpoint and reschedules failed deliveries
// on a backoff curve until the attempt budget runs out.
type Notifier struct {
	repo        Repository
	httpClient  *http.Client
	retryDelays []time.Duration
	batchSize   int
	interval    time.Duration
	logger      zerolog.Logger
}

// NewNotifier creates a Notifier with sensible defaults.
func NewNotifier(repo Repository, logger zerolog.Logger, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		repo: repo,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelays: []time.Duration{1 * time.Second, 30 * time.Second, 5 * time.Minute},
		batchSize:   50,
		interval:    5 * time.Second,
		logger:      logger,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Start polls the queue until the context is cancelled.
func (d *Notifier) Start(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DeliverPending(ctx)
		}
	}
}

// DeliverPending processes one batch of due notifications and returns
// how many were attempted.
func (d *Notifier) DeliverPending(ctx context.Context) int {
	pending, err := d.repo.ListPendingNotifications(ctx, d.batchSize)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to list pending notifications")
		return 0
	}

	for _, n := range pending {
		d.deliver(ctx, n)
	}
	return len(pending)
}

func (d *Notifier) deliver(ctx context.Context, n *Notification) {
	sub, err := d.repo.GetByID(ctx, n.SubscriptionID)
	if err != nil || sub.Status != StatusActive {
		// Subscriber is gone or switched off; drop the notification.
		n.Status = DeliveryFailed
		msg := "subscription no longer active"
		n.LastError = &msg
		if uerr := d.repo.UpdateNotification(ctx, n); uerr != nil {
			d.logger.Error().Err(uerr).Str("notification_id", n.ID.String()).Msg("failed to update notification")
		}
		return
	}

	n.AttemptCount++

	err = d.post(ctx, sub.Endpoint, buildNotifyMessage(n))
	if err == nil {
		now := time.Now()
		n.Status = DeliveryDelivered
		n.DeliveredAt = &now
		n.LastError = nil
	} else {
		msg := err.Error()
		n.LastError = &msg
		if n.AttemptCount >= n.MaxAttempts {
			n.Status = DeliveryFailed
			d.logger.Warn().
				Str("notification_id", n.ID.String()).
				Str("endpoint", sub.Endpoint).
				Int("attempts", n.AttemptCount).
				Msg("notification delivery exhausted")
		} else {
			n.NextAttemptAt = time.Now().Add(d.retryDelay(n.AttemptCount))
		}
	}

	if uerr := d.repo.UpdateNotification(ctx, n); uerr != nil {
		d.logger.Error().Err(uerr).Str("notification_id", n.ID.String()).Msg("failed to update notification")
	}
}

// retryDelay returns the backoff before the next attempt; past the end
// of the schedule the last delay repeats.
func (d *Notifier) retryDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(d.retryDelays) {
		idx = len(d.retryDelays) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return d.retryDelays[idx]
}

func (d *Notifier) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", `application/soap+xml; charset=utf-8; action="`+actionNotify+`"`)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

// buildNotifyMessage renders the WS-BaseNotification envelope announcing
// a newly available document entry.
func buildNotifyMessage(n *Notification) []byte {
	var b bytes.Buffer
	b.WriteString(`<wsnt:Notify xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2">`)
	b.WriteString(`<wsnt:NotificationMessage>`)
	b.WriteString(`<wsnt:Topic Dialect="http://docs.oasis-open.org/wsn/t-1/TopicExpression/Simple">ihe:FullDocumentEntry</wsnt:Topic>`)
	b.WriteString(`<wsnt:Message>`)
	fmt.Fprintf(&b, `<DocumentReference id="%s" patientId="%s" facilityId="%s"/>`,
		escapeAttr(n.DocumentID), escapeAttr(n.PatientID), escapeAttr(n.FacilityID))
	b.WriteString(`</wsnt:Message>`)
	b.WriteString(`</wsnt:NotificationMessage>`)
	b.WriteString(`</wsnt:Notify>`)

	return soap.BuildResponseEnvelope(actionNotify, "", b.Bytes())
}

var attrEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	`"`, "&quot;",
)

func escapeAttr(s string) string {
	return attrEscaper.Replace(s)
}
