package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testline/testline-backend/internal/model"
)

// ReviewerRepository handles reviewer account data access.
type ReviewerRepository struct {
	pool *pgxpool.Pool
}

// NewReviewerRepository creates a new ReviewerRepository.
func NewReviewerRepository(pool *pgxpool.Pool) *ReviewerRepository {
	return &ReviewerRepository{pool: pool}
}

// GetByEmail retrieves a reviewer by email for login.
func (r *ReviewerRepository) GetByEmail(ctx context.Context, email string) (*model.Reviewer, error) {
	rev := &model.Reviewer{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, created_at, updated_at
		 FROM reviewers
		 WHERE email = $1`, email,
	).Scan(&rev.ID, &rev.Email, &rev.Name, &rev.PasswordHash, &rev.CreatedAt, &rev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// GetByID retrieves a reviewer by id.
func (r *ReviewerRepository) GetByID(ctx context.Context, id int) (*model.Reviewer, error) {
	rev := &model.Reviewer{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, created_at, updated_at
		 FROM reviewers
		 WHERE id = $1`, id,
	).Scan(&rev.ID, &rev.Email, &rev.Name, &rev.PasswordHash, &rev.CreatedAt, &rev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// Create inserts a new reviewer account.
func (r *ReviewerRepository) Create(ctx context.Context, rev *model.Reviewer) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO reviewers (email, name, password_hash)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		rev.Email, rev.Name, rev.PasswordHash,
	).Scan(&rev.ID, &rev.CreatedAt, &rev.UpdatedAt)
}
