package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/repository"
	"github.com/google/uuid"
)

// loadUsage reads an academy's usage counters. An academy with no usage row
// has used nothing yet.
func loadUsage(ctx context.Context, q repository.Querier, op string, academyID uuid.UUID) (domain.UsageSnapshot, error) {
	row, err := q.GetAcademyUsage(ctx, academyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UsageSnapshot{}, nil
		}
		return domain.UsageSnapshot{}, domain.Internal(err, op, "failed to load usage")
	}
	return rowToUsage(row), nil
}
