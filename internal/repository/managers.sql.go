package repository

import (
	"context"

	"github.com/google/uuid"
)

const getManagerByUser = `-- name: GetManagerByUser :one
SELECT user_id, academy_id, email, name, created_at
FROM managers
WHERE user_id = $1
ORDER BY created_at
LIMIT 1
`

func (q *Queries) GetManagerByUser(ctx context.Context, userID uuid.UUID) (Manager, error) {
	row := q.db.QueryRowContext(ctx, getManagerByUser, userID)
	var i Manager
	err := row.Scan(
		&i.UserID,
		&i.AcademyID,
		&i.Email,
		&i.Name,
		&i.CreatedAt,
	)
	return i, err
}

const getPrimaryManager = `-- name: GetPrimaryManager :one
SELECT user_id, academy_id, email, name, created_at
FROM managers
WHERE academy_id = $1
ORDER BY created_at
LIMIT 1
`

func (q *Queries) GetPrimaryManager(ctx context.Context, academyID uuid.UUID) (Manager, error) {
	row := q.db.QueryRowContext(ctx, getPrimaryManager, academyID)
	var i Manager
	err := row.Scan(
		&i.UserID,
		&i.AcademyID,
		&i.Email,
		&i.Name,
		&i.CreatedAt,
	)
	return i, err
}
