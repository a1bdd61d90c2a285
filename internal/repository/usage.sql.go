package repository

import (
	"context"

	"github.com/google/uuid"
)

const getAcademyUsage = `-- name: GetAcademyUsage :one
SELECT academy_id, student_count, teacher_count, storage_used_gb::float8, classroom_count, updated_at
FROM academy_usage
WHERE academy_id = $1
FOR SHARE
`

// GetAcademyUsage reads the usage counters and blocks concurrent writers to
// them until the enclosing transaction ends.
func (q *Queries) GetAcademyUsage(ctx context.Context, academyID uuid.UUID) (AcademyUsage, error) {
	row := q.db.QueryRowContext(ctx, getAcademyUsage, academyID)
	var i AcademyUsage
	err := row.Scan(
		&i.AcademyID,
		&i.StudentCount,
		&i.TeacherCount,
		&i.StorageUsedGb,
		&i.ClassroomCount,
		&i.UpdatedAt,
	)
	return i, err
}
