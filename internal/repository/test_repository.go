package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testline/testline-backend/internal/model"
)

// TestRepository handles test definition data access.
type TestRepository struct {
	pool *pgxpool.Pool
}

// NewTestRepository creates a new TestRepository.
func NewTestRepository(pool *pgxpool.Pool) *TestRepository {
	return &TestRepository{pool: pool}
}

// GetByID retrieves a single test definition.
func (r *TestRepository) GetByID(ctx context.Context, testID uuid.UUID) (*model.Test, error) {
	t := &model.Test{}
	err := r.pool.QueryRow(ctx,
		`SELECT t.id, t.title, t.duration_minutes, t.passing_percent, t.max_attempts,
		        t.scheduled_start, t.scheduled_end, t.status, t.created_at, t.updated_at,
		        (SELECT COUNT(*) FROM questions q WHERE q.test_id = t.id) AS question_count
		 FROM tests t
		 WHERE t.id = $1`, testID,
	).Scan(&t.ID, &t.Title, &t.DurationMinutes, &t.PassingPercent, &t.MaxAttempts,
		&t.ScheduledStart, &t.ScheduledEnd, &t.Status, &t.CreatedAt, &t.UpdatedAt,
		&t.QuestionCount)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListPublished retrieves the tests currently open to students.
func (r *TestRepository) ListPublished(ctx context.Context) ([]model.Test, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT t.id, t.title, t.duration_minutes, t.passing_percent, t.max_attempts,
		        t.scheduled_start, t.scheduled_end, t.status, t.created_at, t.updated_at,
		        (SELECT COUNT(*) FROM questions q WHERE q.test_id = t.id) AS question_count
		 FROM tests t
		 WHERE t.status = $1
		 ORDER BY t.scheduled_start NULLS LAST, t.title`, model.TestStatusPublished,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []model.Test
	for rows.Next() {
		var t model.Test
		if err := rows.Scan(&t.ID, &t.Title, &t.DurationMinutes, &t.PassingPercent, &t.MaxAttempts,
			&t.ScheduledStart, &t.ScheduledEnd, &t.Status, &t.CreatedAt, &t.UpdatedAt,
			&t.QuestionCount); err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}
