package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/DukeRupert/academy-billing/internal/billing"
	"github.com/DukeRupert/academy-billing/internal/cache"
	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/email"
	"github.com/DukeRupert/academy-billing/internal/metrics"
	"github.com/DukeRupert/academy-billing/internal/repository"
	"github.com/DukeRupert/academy-billing/internal/storage"
)

// WebhookResult says what a delivery did.
type WebhookResult string

const (
	WebhookApplied   WebhookResult = "applied"
	WebhookDuplicate WebhookResult = "duplicate"
	WebhookIgnored   WebhookResult = "ignored"
)

// WebhookService applies gateway charge notifications.
type WebhookService interface {
	// Handle verifies and applies one delivery. Replays of an event id are
	// acknowledged without applying anything.
	Handle(ctx context.Context, header http.Header, payload []byte) (WebhookResult, error)
}

type webhookService struct {
	*core
	seen    cache.Deduper
	archive storage.Storage
}

// NewWebhookService creates a new WebhookService. seen and archive may be
// nil.
func NewWebhookService(
	store repository.Store,
	gateway billing.Gateway,
	seen cache.Deduper,
	archive storage.Storage,
	mailer email.EmailService,
	opts Options,
	logger *slog.Logger,
) WebhookService {
	return &webhookService{
		core:    newCore(store, gateway, newNotifier(mailer, store, logger), opts, logger),
		seen:    seen,
		archive: archive,
	}
}

func (s *webhookService) Handle(ctx context.Context, header http.Header, payload []byte) (WebhookResult, error) {
	const op = "webhook.handle"
	provider := s.gateway.Name()

	start := time.Now()
	ev, err := s.gateway.ParseWebhook(ctx, header, payload)
	metrics.ObserveGateway(provider, "parse_webhook", start)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			metrics.WebhooksTotal.WithLabelValues(provider, "rejected").Inc()
			return "", domain.Unauthorized(op, "Webhook signature is invalid")
		}
		if errors.Is(err, billing.ErrMalformedWebhook) {
			metrics.WebhooksTotal.WithLabelValues(provider, "malformed").Inc()
			s.logger.Error("verified webhook could not be decoded", "op", op, "provider", provider, "error", err)
		}
		return "", billing.ToDomain(op, err)
	}

	dedupeKey := provider + ":" + ev.ID
	if s.seen != nil {
		if hit, err := s.seen.Seen(ctx, dedupeKey); err != nil {
			s.logger.Warn("webhook cache unavailable", "op", op, "error", err)
		} else if hit {
			metrics.WebhooksTotal.WithLabelValues(provider, string(WebhookDuplicate)).Inc()
			return WebhookDuplicate, nil
		}
	}

	archiveKey := s.storePayload(ctx, op, ev)

	var (
		result WebhookResult
		notice *email.Notice
		sub    *domain.Subscription
		orphan bool
	)
	err = s.store.InTx(ctx, func(q repository.Querier) error {
		n, err := q.RecordWebhookEvent(ctx, repository.RecordWebhookEventParams{
			Provider:   provider,
			EventID:    ev.ID,
			EventType:  ev.Type,
			PaymentID:  toNullString(ev.PaymentID),
			ArchiveKey: toNullString(archiveKey),
		})
		if err != nil {
			return domain.Internal(err, op, "failed to record webhook event")
		}
		if n == 0 {
			result = WebhookDuplicate
			return nil
		}

		result = WebhookIgnored
		if ev.Kind == domain.EventIgnored || ev.PaymentID == "" {
			return nil
		}

		inv, found, err := lookupInvoice(ctx, q, op, ev.PaymentID)
		if err != nil {
			return err
		}
		if !found {
			if ev.Kind == domain.EventChargeSucceeded {
				orphan = true
			} else {
				s.logger.Warn("webhook for unknown payment", "op", op, "provider", provider, "event_id", ev.ID, "payment_id", ev.PaymentID)
			}
			return nil
		}
		if inv.IsSettled() {
			if inv.Status == domain.InvoiceFailed && ev.Kind == domain.EventChargeSucceeded {
				// Money arrived for a charge already written off.
				orphan = true
			}
			return nil
		}
		if ev.Amount != 0 && ev.Amount != inv.Amount {
			s.logger.Error("webhook amount does not match invoice",
				"op", op,
				"academy_id", inv.AcademyID,
				"payment_id", inv.PaymentID,
				"invoice_amount", inv.Amount,
				"event_amount", ev.Amount,
			)
			return nil
		}

		row, err := q.LockSubscriptionByID(ctx, inv.SubscriptionID)
		if err != nil {
			return domain.Internal(err, op, "failed to lock subscription")
		}
		sub = rowToSubscription(row)

		now := s.now()
		switch ev.Kind {
		case domain.EventChargeSucceeded:
			if inv.Kind != domain.InvoiceRecurring {
				if _, err := s.markChargePaid(ctx, q, op, sub, &inv); err != nil {
					return err
				}
				break
			}
			if err := settleInvoice(ctx, q, op, inv.PaymentID, domain.InvoicePaid, "", now); err != nil {
				return err
			}
			// Only a renewal that has not advanced the period yet moves it.
			if sub.CurrentPeriodEnd.Equal(inv.PeriodStart) {
				markPaid(sub)
			} else if sub.Status == domain.StatusPastDue {
				sub.Status = domain.StatusActive
			}
		case domain.EventChargeFailed:
			reason := ev.FailureReason
			if reason == "" {
				reason = "The payment was declined"
			}
			if err := settleInvoice(ctx, q, op, inv.PaymentID, domain.InvoiceFailed, reason, now); err != nil {
				return err
			}
			if inv.Kind == domain.InvoiceRecurring && domain.CanTransition(sub.Status, domain.StatusPastDue) {
				sub.Status = domain.StatusPastDue
				notice = &email.Notice{PlanName: planName(sub.Tier), Amount: inv.Amount, EffectiveDate: now, Reason: reason}
			}
		}

		if _, err := s.save(ctx, q, op, sub); err != nil {
			return err
		}
		result = WebhookApplied
		return nil
	})
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(provider, "error").Inc()
		return "", err
	}

	if s.seen != nil {
		if err := s.seen.Mark(ctx, dedupeKey); err != nil {
			s.logger.Warn("failed to mark webhook as seen", "op", op, "error", err)
		}
	}
	metrics.WebhooksTotal.WithLabelValues(provider, string(result)).Inc()
	if orphan {
		s.reportOrphanPayment(op, provider, ev.ID, ev.PaymentID)
	}

	if result == WebhookApplied {
		s.logger.Info("webhook applied",
			"op", op,
			"academy_id", sub.AcademyID,
			"provider", provider,
			"event_id", ev.ID,
			"kind", ev.Kind,
			"payment_id", ev.PaymentID,
		)
		if notice != nil {
			recordChange("past_due")
			s.notifier.send(ctx, noticePaymentFailed, sub.AcademyID, *notice)
		}
	}
	return result, nil
}

// storePayload archives the raw delivery and returns its key, or "" if
// archiving is off or failed. A replay finds the object already stored.
func (s *webhookService) storePayload(ctx context.Context, op string, ev *domain.GatewayEvent) string {
	if s.archive == nil {
		return ""
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	key := storage.WebhookKey(ev.Provider, at, ev.ID)
	err := s.archive.Put(ctx, key, bytes.NewReader(ev.Payload), storage.PutOptions{
		ContentType: storage.ContentTypeJSON,
		MaxSize:     storage.MaxWebhookPayload,
	})
	if err != nil && !storage.IsKeyExists(err) {
		s.logger.Warn("failed to archive webhook payload", "op", op, "key", key, "error", err)
		return ""
	}
	return key
}
