package service

import (
	"context"
	"time"

	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/metrics"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const (
	splitRetryBase     = 200 * time.Millisecond
	splitRetryAttempts = 4
)

// recoverSplit re-runs the local write after the gateway already accepted
// an operation. Gateways dedupe by payment id, so replaying a charge inside
// the retried transaction never charges twice.
func (c *core) recoverSplit(ctx context.Context, op string, academyID uuid.UUID, ref string, cause error, write func(ctx context.Context) error) error {
	metrics.SplitFailures.Inc()
	c.logger.Error("gateway succeeded but local write failed",
		"op", op,
		"academy_id", academyID,
		"ref", ref,
		"split_failure", true,
		"error", cause,
	)

	backoff := retry.WithMaxRetries(splitRetryAttempts, retry.NewExponential(splitRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := write(ctx); err != nil {
			// Only infrastructure failures are worth another attempt.
			if domain.ErrorCode(err) == domain.EINTERNAL {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		c.logger.Error("split failure not recovered",
			"op", op,
			"academy_id", academyID,
			"ref", ref,
			"split_failure", true,
			"error", err,
		)
		return err
	}

	c.logger.Info("split failure recovered", "op", op, "academy_id", academyID, "ref", ref)
	return nil
}
