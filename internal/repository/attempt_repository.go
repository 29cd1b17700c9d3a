package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testline/testline-backend/internal/model"
)

// ReviewQueueItem is one row of the reviewer work queue.
type ReviewQueueItem struct {
	AttemptID     uuid.UUID  `json:"attempt_id"`
	TestID        uuid.UUID  `json:"test_id"`
	TestTitle     string     `json:"test_title"`
	StudentID     int        `json:"student_id"`
	StudentName   string     `json:"student_name"`
	AttemptNumber int        `json:"attempt_number"`
	Percentage    float64    `json:"percentage"`
	ReviewReasons []string   `json:"review_reasons"`
	SubmittedAt   *time.Time `json:"submitted_at"`
}

// AttemptRepository handles durable attempt and response data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// CreateAttempt inserts the initial attempt record. The start timestamp and
// duration written here are never updated afterwards.
func (r *AttemptRepository) CreateAttempt(ctx context.Context, sess *model.AttemptSession) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempts (id, test_id, student_id, attempt_number, started_at, duration_ms, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.TestID, sess.StudentID, sess.AttemptNumber,
		sess.StartedAt, sess.Duration.Milliseconds(), sess.Status,
	)
	return err
}

// SaveAttempt upserts the whole attempt and all of its responses in one
// transaction. Called on submission and on grading completion.
func (r *AttemptRepository) SaveAttempt(ctx context.Context, sess *model.AttemptSession) error {
	var scoreJSON []byte
	if sess.Score != nil {
		var err error
		scoreJSON, err = json.Marshal(sess.Score)
		if err != nil {
			return err
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO attempts (id, test_id, student_id, attempt_number, started_at, duration_ms,
		                       status, submit_type, ended_at, time_spent_ms, score,
		                       needs_review, review_reasons, is_reviewed, reviewer, reviewed_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12, $13, $14, NULLIF($15, ''), $16, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status,
		     submit_type = EXCLUDED.submit_type,
		     ended_at = EXCLUDED.ended_at,
		     time_spent_ms = EXCLUDED.time_spent_ms,
		     score = EXCLUDED.score,
		     needs_review = EXCLUDED.needs_review,
		     review_reasons = EXCLUDED.review_reasons,
		     is_reviewed = EXCLUDED.is_reviewed,
		     reviewer = EXCLUDED.reviewer,
		     reviewed_at = EXCLUDED.reviewed_at,
		     updated_at = NOW()`,
		sess.ID, sess.TestID, sess.StudentID, sess.AttemptNumber, sess.StartedAt, sess.Duration.Milliseconds(),
		sess.Status, string(sess.SubmitType), sess.EndedAt, sess.TimeSpent.Milliseconds(), scoreJSON,
		sess.Review.NeedsReview, sess.Review.Reasons, sess.Review.IsReviewed, sess.Review.Reviewer, sess.Review.ReviewedAt,
	)
	if err != nil {
		return err
	}

	for _, resp := range sess.Responses {
		if err := upsertResponse(ctx, tx, sess.ID, resp); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func upsertResponse(ctx context.Context, tx pgx.Tx, attemptID uuid.UUID, resp *model.Response) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO attempt_responses (attempt_id, question_id, selected_answers, text_answer,
		                                time_spent_ms, skipped, flagged, visit_count,
		                                graded, is_correct, points_earned, explanation)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET selected_answers = EXCLUDED.selected_answers,
		     text_answer = EXCLUDED.text_answer,
		     time_spent_ms = EXCLUDED.time_spent_ms,
		     skipped = EXCLUDED.skipped,
		     flagged = EXCLUDED.flagged,
		     visit_count = EXCLUDED.visit_count,
		     graded = EXCLUDED.graded,
		     is_correct = EXCLUDED.is_correct,
		     points_earned = EXCLUDED.points_earned,
		     explanation = EXCLUDED.explanation,
		     updated_at = NOW()`,
		attemptID, resp.QuestionID, resp.SelectedAnswers, resp.TextAnswer,
		resp.TimeSpentMs, resp.Skipped, resp.FlaggedByStudent, resp.VisitCount,
		resp.Graded, resp.IsCorrect, resp.PointsEarned, resp.Explanation,
	)
	return err
}

// LoadAttempt retrieves an attempt with all of its responses.
func (r *AttemptRepository) LoadAttempt(ctx context.Context, attemptID uuid.UUID) (*model.AttemptSession, error) {
	sess := &model.AttemptSession{Responses: make(map[uuid.UUID]*model.Response)}
	var (
		durationMs  int64
		timeSpentMs int64
		submitType  *string
		scoreJSON   []byte
	)

	err := r.pool.QueryRow(ctx,
		`SELECT id, test_id, student_id, attempt_number, started_at, duration_ms,
		        status, submit_type, ended_at, time_spent_ms, score,
		        needs_review, review_reasons, is_reviewed, COALESCE(reviewer, ''), reviewed_at
		 FROM attempts
		 WHERE id = $1`, attemptID,
	).Scan(&sess.ID, &sess.TestID, &sess.StudentID, &sess.AttemptNumber, &sess.StartedAt, &durationMs,
		&sess.Status, &submitType, &sess.EndedAt, &timeSpentMs, &scoreJSON,
		&sess.Review.NeedsReview, &sess.Review.Reasons, &sess.Review.IsReviewed, &sess.Review.Reviewer, &sess.Review.ReviewedAt)
	if err != nil {
		return nil, err
	}

	sess.Duration = time.Duration(durationMs) * time.Millisecond
	sess.TimeSpent = time.Duration(timeSpentMs) * time.Millisecond
	if submitType != nil {
		sess.SubmitType = model.SubmitType(*submitType)
	}
	if len(scoreJSON) > 0 {
		sess.Score = &model.Score{}
		if err := json.Unmarshal(scoreJSON, sess.Score); err != nil {
			return nil, err
		}
	}

	rows, err := r.pool.Query(ctx,
		`SELECT question_id, selected_answers, text_answer, time_spent_ms, skipped, flagged,
		        visit_count, graded, is_correct, points_earned, explanation
		 FROM attempt_responses
		 WHERE attempt_id = $1`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		resp := &model.Response{}
		if err := rows.Scan(&resp.QuestionID, &resp.SelectedAnswers, &resp.TextAnswer, &resp.TimeSpentMs,
			&resp.Skipped, &resp.FlaggedByStudent, &resp.VisitCount,
			&resp.Graded, &resp.IsCorrect, &resp.PointsEarned, &resp.Explanation); err != nil {
			return nil, err
		}
		sess.Responses[resp.QuestionID] = resp
	}
	return sess, rows.Err()
}

// FindInProgressAttempt returns the id of the student's in-progress attempt
// on a test, if one exists. At most one should be in progress at a time; the
// highest attempt number wins if the data says otherwise.
func (r *AttemptRepository) FindInProgressAttempt(ctx context.Context, testID uuid.UUID, studentID int) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM attempts
		 WHERE test_id = $1 AND student_id = $2 AND status = 'in_progress'
		 ORDER BY attempt_number DESC
		 LIMIT 1`,
		testID, studentID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

// CountAttempts returns how many attempts a student has made on a test.
func (r *AttemptRepository) CountAttempts(ctx context.Context, testID uuid.UUID, studentID int) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attempts WHERE test_id = $1 AND student_id = $2`,
		testID, studentID,
	).Scan(&n)
	return n, err
}

// ListAttemptsByStudent retrieves a student's attempt history on a test.
func (r *AttemptRepository) ListAttemptsByStudent(ctx context.Context, testID uuid.UUID, studentID int) ([]model.AttemptSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, attempt_number, started_at, duration_ms, status, submit_type, ended_at, time_spent_ms, score
		 FROM attempts
		 WHERE test_id = $1 AND student_id = $2
		 ORDER BY attempt_number`, testID, studentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AttemptSession
	for rows.Next() {
		var (
			s           model.AttemptSession
			durationMs  int64
			timeSpentMs int64
			submitType  *string
			scoreJSON   []byte
		)
		if err := rows.Scan(&s.ID, &s.AttemptNumber, &s.StartedAt, &durationMs, &s.Status,
			&submitType, &s.EndedAt, &timeSpentMs, &scoreJSON); err != nil {
			return nil, err
		}
		s.TestID = testID
		s.StudentID = studentID
		s.Duration = time.Duration(durationMs) * time.Millisecond
		s.TimeSpent = time.Duration(timeSpentMs) * time.Millisecond
		if submitType != nil {
			s.SubmitType = model.SubmitType(*submitType)
		}
		if len(scoreJSON) > 0 {
			s.Score = &model.Score{}
			if err := json.Unmarshal(scoreJSON, s.Score); err != nil {
				return nil, err
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListNeedingReview retrieves completed attempts flagged for human review
// and not yet reviewed, paginated.
func (r *AttemptRepository) ListNeedingReview(ctx context.Context, page, perPage int) ([]ReviewQueueItem, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	offset := (page - 1) * perPage

	baseQuery := `
		FROM attempts a
		JOIN tests t ON a.test_id = t.id
		JOIN students s ON a.student_id = s.id
		WHERE a.status = 'completed' AND a.needs_review AND NOT a.is_reviewed
	`

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) "+baseQuery).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.test_id, t.title, a.student_id, s.name, a.attempt_number,
		        COALESCE((a.score->>'percentage')::float8, 0), a.review_reasons, a.ended_at
		`+baseQuery+`
		ORDER BY a.ended_at ASC
		LIMIT $1 OFFSET $2`, perPage, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []ReviewQueueItem
	for rows.Next() {
		var it ReviewQueueItem
		if err := rows.Scan(&it.AttemptID, &it.TestID, &it.TestTitle, &it.StudentID, &it.StudentName,
			&it.AttemptNumber, &it.Percentage, &it.ReviewReasons, &it.SubmittedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}
