// Package relay fans verified purchase events out to the downstream systems:
// the enrollment platform and the email/CRM platform. Deliveries are
// independent and best-effort; a failure is logged, counted, and journaled,
// but never changes the webhook acknowledgment. Idempotency is delegated to
// the downstream upserts, so the same event can be relayed any number of
// times.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"courserelay/internal/catalog"
	"courserelay/internal/external"
	"courserelay/internal/types"
)

// defaultDeliveryTimeout bounds a single downstream call during fan-out.
const defaultDeliveryTimeout = 10 * time.Second

// Journal records failed deliveries for operational follow-up.
type Journal interface {
	// Record persists one failed delivery. Best-effort: errors are logged by
	// the caller and never affect the webhook acknowledgment.
	Record(ctx context.Context, failed types.FailedDelivery) error
}

// DeliveryMetrics records delivery attempt and latency metrics.
type DeliveryMetrics interface {
	RecordDelivery(ctx context.Context, target types.DeliveryTarget, success bool)
	RecordDeliveryLatency(ctx context.Context, target types.DeliveryTarget, duration time.Duration)
}

// Relay executes the purchase fan-out. It holds no per-event state and is
// safe for concurrent use.
type Relay struct {
	registry   *catalog.Registry
	enrollment external.EnrollmentService
	crm        external.CRMService
	journal    Journal         // optional; nil disables journaling
	metrics    DeliveryMetrics // optional; nil disables metrics
	logger     *slog.Logger
	timeout    time.Duration
	now        func() time.Time // injectable for tests
}

// Config holds the dependencies for constructing a Relay.
type Config struct {
	Registry   *catalog.Registry
	Enrollment external.EnrollmentService
	CRM        external.CRMService
	Journal    Journal
	Metrics    DeliveryMetrics
	Logger     *slog.Logger
	Timeout    time.Duration
}

// New creates a Relay.
func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	return &Relay{
		registry:   cfg.Registry,
		enrollment: cfg.Enrollment,
		crm:        cfg.CRM,
		journal:    cfg.Journal,
		metrics:    cfg.Metrics,
		logger:     logger,
		timeout:    timeout,
		now:        time.Now,
	}
}

// delivery is one unit of fan-out work.
type delivery struct {
	target types.DeliveryTarget
	run    func(ctx context.Context) error
}

// Deliver fans the event out to every delivery the product enables. All
// deliveries run concurrently and independently: one failing never cancels
// or skips another. The returned report is for logging and tests; callers
// acknowledge the webhook regardless of its contents.
func (r *Relay) Deliver(ctx context.Context, product *catalog.Product, event types.PurchaseEvent) types.DeliveryReport {
	deliveries := r.deliveriesFor(product, event)

	outcomes := make([]types.DeliveryOutcome, len(deliveries))

	var g errgroup.Group
	for i, d := range deliveries {
		i, d := i, d
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := r.now()
			err := d.run(callCtx)
			elapsed := r.now().Sub(start)

			outcomes[i] = types.DeliveryOutcome{
				Target:   d.target,
				Err:      err,
				Duration: elapsed,
			}

			if r.metrics != nil {
				r.metrics.RecordDelivery(ctx, d.target, err == nil)
				r.metrics.RecordDeliveryLatency(ctx, d.target, elapsed)
			}

			// Errors are captured in the outcome, never propagated: a
			// sibling delivery must not be cancelled by this one failing.
			return nil
		})
	}
	_ = g.Wait()

	report := types.DeliveryReport{Event: event, Outcomes: outcomes}
	r.handleFailures(ctx, report)
	return report
}

// Replay re-runs a single journaled delivery. Used by the redelivery worker.
func (r *Relay) Replay(ctx context.Context, failed types.FailedDelivery) error {
	product, ok := r.registry.Product(failed.Event.ProductKey)
	if !ok {
		return types.NewAppError(
			types.ErrCodeNotFoundProduct,
			fmt.Sprintf("journaled delivery references unknown product %q", failed.Event.ProductKey),
			nil,
		)
	}

	for _, d := range r.deliveriesFor(product, failed.Event) {
		if d.target != failed.Target {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return d.run(callCtx)
	}

	return types.NewAppError(
		types.ErrCodeInternalJournal,
		fmt.Sprintf("product %q no longer enables delivery target %q", failed.Event.ProductKey, failed.Target),
		nil,
	)
}

// deliveriesFor builds the delivery list a product enables for an event.
// Payload keys (email, session ID) come from the event alone, so redelivered
// events produce byte-identical downstream requests.
func (r *Relay) deliveriesFor(product *catalog.Product, event types.PurchaseEvent) []delivery {
	var deliveries []delivery

	if product.OfferID != "" {
		deliveries = append(deliveries, delivery{
			target: types.DeliveryTargetEnrollment,
			run: func(ctx context.Context) error {
				return r.enrollment.GrantOffer(ctx, product.OfferID, external.OfferGrant{
					Name:           event.Name,
					Email:          event.Email,
					ExternalUserID: event.Email,
				})
			},
		})
	}

	if product.CRMFormID != "" {
		deliveries = append(deliveries, delivery{
			target: types.DeliveryTargetCRM,
			run: func(ctx context.Context) error {
				return r.crm.Subscribe(ctx, product.CRMFormID, external.FormSubscription{
					Email:     event.Email,
					FirstName: firstName(event.Name),
					Tags:      product.CRMTags,
				})
			},
		})
	}

	if product.RecordPurchase {
		deliveries = append(deliveries, delivery{
			target: types.DeliveryTargetPurchase,
			run: func(ctx context.Context) error {
				return r.crm.RecordPurchase(ctx, buildPurchaseRecord(product, event))
			},
		})
	}

	return deliveries
}

// buildPurchaseRecord projects the event into the CRM purchase payload.
// The transaction ID is the checkout session ID and the line ID derives from
// it, keeping the record stable across Stripe redeliveries.
func buildPurchaseRecord(product *catalog.Product, event types.PurchaseEvent) external.PurchaseRecord {
	subtotal := event.AmountSubtotal
	if subtotal == 0 {
		subtotal = event.AmountTotal
	}
	return external.PurchaseRecord{
		Email:           event.Email,
		FirstName:       firstName(event.Name),
		TransactionID:   event.SessionID,
		Status:          "paid",
		Currency:        event.Currency,
		Total:           minorToMajor(event.AmountTotal),
		Subtotal:        minorToMajor(subtotal),
		Tax:             minorToMajor(event.AmountTax),
		TransactionTime: event.OccurredAt,
		Products: []external.PurchaseProduct{
			{
				PID:       product.PurchasePID,
				LID:       event.SessionID + "-1",
				Name:      product.Name,
				UnitPrice: minorToMajor(event.AmountTotal),
				Quantity:  1,
			},
		},
	}
}

// handleFailures logs and journals every failed outcome in the report.
func (r *Relay) handleFailures(ctx context.Context, report types.DeliveryReport) {
	for _, outcome := range report.Failed() {
		r.logger.ErrorContext(ctx, "downstream delivery failed",
			"target", string(outcome.Target),
			"product", report.Event.ProductKey,
			"session_id", report.Event.SessionID,
			"event_id", report.Event.EventID,
			"error", outcome.Err,
		)

		if r.journal == nil {
			continue
		}

		failed := types.FailedDelivery{
			ID:       uuid.New().String(),
			Target:   outcome.Target,
			Event:    report.Event,
			Reason:   outcome.Err.Error(),
			FailedAt: r.now().UTC(),
		}
		if err := r.journal.Record(ctx, failed); err != nil {
			// Journaling is itself best-effort.
			r.logger.ErrorContext(ctx, "failed to journal delivery failure",
				"target", string(outcome.Target),
				"session_id", report.Event.SessionID,
				"error", err,
			)
		}
	}
}

// firstName extracts the leading name token, matching what the CRM expects.
func firstName(full string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(full), " ")
	return name
}

// minorToMajor converts a minor-unit amount (pence/cents) to a major-unit value.
func minorToMajor(amount int64) float64 {
	return float64(amount) / 100
}
