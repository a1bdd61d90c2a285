package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/academy-billing/internal/billing"
	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/metrics"
	"github.com/DukeRupert/academy-billing/internal/repository"
	"github.com/google/uuid"
)

// PaymentMethodService manages the stored billing key of an academy.
type PaymentMethodService interface {
	// StartBillingKeyIssue opens the gateway's hosted card flow. An academy
	// without a subscription row gets a free one to hang the key on.
	StartBillingKeyIssue(ctx context.Context, academyID uuid.UUID) (*billing.IssueSession, error)

	// CompleteBillingKeyIssue stores the key from the hosted flow's
	// response. A customer who closed the flow gets Cancelled=true and no
	// state change.
	CompleteBillingKeyIssue(ctx context.Context, academyID uuid.UUID, response json.RawMessage) (*domain.BillingKeyResult, error)

	// UpdatePaymentMethod replaces the stored key. It never charges.
	UpdatePaymentMethod(ctx context.Context, academyID uuid.UUID, billingKey string) (*domain.Subscription, error)
}

type paymentMethodService struct {
	*core
}

// NewPaymentMethodService creates a new PaymentMethodService.
func NewPaymentMethodService(
	store repository.Store,
	gateway billing.Gateway,
	opts Options,
	logger *slog.Logger,
) PaymentMethodService {
	return &paymentMethodService{
		core: newCore(store, gateway, nil, opts, logger),
	}
}

func (s *paymentMethodService) StartBillingKeyIssue(ctx context.Context, academyID uuid.UUID) (*billing.IssueSession, error) {
	const op = "payment.start_issue"

	sub, err := s.ensureSubscription(ctx, op, academyID)
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()

	start := time.Now()
	sess, err := s.gateway.StartBillingKeyIssue(gctx, s.customerFor(ctx, s.store, sub))
	metrics.ObserveGateway(s.gateway.Name(), "start_issue", start)
	if err != nil {
		return nil, billing.ToDomain(op, err)
	}

	if sess.CustomerRef != "" && sess.CustomerRef != sub.GatewayCustomerID {
		_, err := s.mutate(ctx, op, academyID, func(_ repository.Querier, sub *domain.Subscription, _ domain.UsageSnapshot) error {
			sub.GatewayCustomerID = sess.CustomerRef
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("billing key issuance started",
		"op", op,
		"academy_id", academyID,
		"provider", s.gateway.Name(),
		"session_id", sess.ID,
	)
	return sess, nil
}

func (s *paymentMethodService) CompleteBillingKeyIssue(ctx context.Context, academyID uuid.UUID, response json.RawMessage) (*domain.BillingKeyResult, error) {
	const op = "payment.complete_issue"

	sub, err := s.ensureSubscription(ctx, op, academyID)
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()

	start := time.Now()
	key, err := s.gateway.IssueBillingKey(gctx, s.customerFor(ctx, s.store, sub), response)
	metrics.ObserveGateway(s.gateway.Name(), "issue", start)
	if err != nil {
		if errors.Is(err, billing.ErrUserCancelled) {
			s.logger.Info("billing key issuance cancelled by customer", "op", op, "academy_id", academyID)
			return &domain.BillingKeyResult{Cancelled: true}, nil
		}
		return nil, billing.ToDomain(op, err)
	}

	issuedAt := s.now()
	store := func(ctx context.Context) error {
		saved, err := s.mutate(ctx, op, academyID, func(_ repository.Querier, sub *domain.Subscription, _ domain.UsageSnapshot) error {
			sub.BillingKey = key.Key
			sub.BillingKeyIssuedAt = &issuedAt
			if key.CustomerRef != "" {
				sub.GatewayCustomerID = key.CustomerRef
			}
			return nil
		})
		if err == nil {
			sub = saved
		}
		return err
	}
	if err := store(ctx); err != nil {
		if err := s.recoverSplit(ctx, op, academyID, "billing_key", err, store); err != nil {
			return nil, err
		}
	}

	s.logger.Info("billing key issued",
		"op", op,
		"academy_id", academyID,
		"provider", s.gateway.Name(),
	)
	return &domain.BillingKeyResult{Subscription: sub, IssuedAt: &issuedAt}, nil
}

func (s *paymentMethodService) UpdatePaymentMethod(ctx context.Context, academyID uuid.UUID, billingKey string) (*domain.Subscription, error) {
	const op = "payment.update_method"

	if billingKey == "" {
		return nil, domain.Invalid(op, "A billing key is required")
	}

	acknowledged := false
	now := s.now()
	run := func(ctx context.Context) (*domain.Subscription, error) {
		return s.mutate(ctx, op, academyID, func(q repository.Querier, sub *domain.Subscription, _ domain.UsageSnapshot) error {
			if !acknowledged {
				gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
				defer cancel()

				start := time.Now()
				err := s.gateway.UpdateStoredInstrument(gctx, s.customerFor(ctx, q, sub), billingKey)
				metrics.ObserveGateway(s.gateway.Name(), "update_instrument", start)
				if err != nil {
					return billing.ToDomain(op, err)
				}
				acknowledged = true
			}
			sub.BillingKey = billingKey
			sub.BillingKeyIssuedAt = &now
			return nil
		})
	}

	sub, err := run(ctx)
	if err != nil {
		if !acknowledged {
			return nil, err
		}
		retry := func(ctx context.Context) error {
			saved, err := run(ctx)
			if err == nil {
				sub = saved
			}
			return err
		}
		if err := s.recoverSplit(ctx, op, academyID, "billing_key", err, retry); err != nil {
			return nil, err
		}
	}

	s.logger.Info("payment method updated", "op", op, "academy_id", academyID)
	return sub, nil
}

// ensureSubscription returns the academy's subscription, creating a free
// one if the academy has none yet.
func (s *paymentMethodService) ensureSubscription(ctx context.Context, op string, academyID uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.load(ctx, op, academyID)
	if err == nil {
		return sub, nil
	}
	if domain.ErrorCode(err) != domain.ENOTFOUND {
		return nil, err
	}

	sub, err = domain.NewSubscription(academyID, domain.TierFree, domain.CycleMonthly, s.now())
	if err != nil {
		return nil, domain.Internal(err, op, "failed to build free subscription")
	}
	var saved *domain.Subscription
	err = s.store.InTx(ctx, func(q repository.Querier) error {
		// A concurrent request may have created the row already.
		row, err := q.LockSubscriptionByAcademy(ctx, academyID)
		if err == nil {
			saved = rowToSubscription(row)
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Internal(err, op, "failed to lock subscription")
		}
		saved, err = s.save(ctx, q, op, sub)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("free subscription created", "op", op, "academy_id", academyID)
	return saved, nil
}
