package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testline/testline-backend/internal/config"
	"github.com/testline/testline-backend/internal/model"
)

// AttemptRecorder is the production record store behind the attempt engine.
// Whole-attempt writes go straight to PostgreSQL; per-response auto-saves go
// to the Redis response cache plus the persist queue, where the response
// worker drains them to PostgreSQL. It also maintains the timing and
// active-attempt caches used for cheap resync lookups.
type AttemptRecorder struct {
	repo *AttemptRepository
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewAttemptRecorder creates a new AttemptRecorder.
func NewAttemptRecorder(repo *AttemptRepository, rdb *redis.Client, log zerolog.Logger) *AttemptRecorder {
	return &AttemptRecorder{
		repo: repo,
		rdb:  rdb,
		log:  log.With().Str("component", "attempt_recorder").Logger(),
	}
}

// CreateAttempt writes the initial record and primes the timing caches. The
// cache TTL outlives the attempt by an hour so late resyncs still hit.
func (r *AttemptRecorder) CreateAttempt(ctx context.Context, sess *model.AttemptSession) error {
	if err := r.repo.CreateAttempt(ctx, sess); err != nil {
		return err
	}

	id := sess.ID.String()
	ttl := sess.Duration + time.Hour

	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, config.CacheKey.AttemptStartKey(id), sess.StartedAt.Unix(), ttl)
	pipe.Set(ctx, config.CacheKey.AttemptDurationKey(id), sess.Duration.Milliseconds(), ttl)
	pipe.Set(ctx, config.CacheKey.StudentActiveAttemptKey(sess.TestID.String(), sess.StudentID), id, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		// Cache priming is best effort; the DB record is the truth.
		r.log.Warn().Err(err).Str("attempt_id", id).Msg("Timing cache prime failed")
	}
	return nil
}

// SaveAttempt upserts the full attempt record. Once the attempt is
// completed, the result is queued for the statistics worker and the
// attempt's caches are dropped.
func (r *AttemptRecorder) SaveAttempt(ctx context.Context, sess *model.AttemptSession) error {
	if err := r.repo.SaveAttempt(ctx, sess); err != nil {
		return err
	}

	if sess.Status != model.AttemptStatusCompleted {
		return nil
	}

	id := sess.ID.String()

	if sess.Score != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"attempt_id": id,
			"test_id":    sess.TestID.String(),
			"student_id": sess.StudentID,
			"percentage": sess.Score.Percentage,
			"passed":     sess.Score.IsPassed,
		})
		if err := r.rdb.RPush(ctx, config.WorkerKey.PersistResultsQueue, payload).Err(); err != nil {
			r.log.Error().Err(err).Str("attempt_id", id).Msg("Result enqueue failed")
		}
	}

	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, config.CacheKey.AttemptStartKey(id))
	pipe.Del(ctx, config.CacheKey.AttemptDurationKey(id))
	pipe.Del(ctx, config.CacheKey.StudentActiveAttemptKey(sess.TestID.String(), sess.StudentID))
	_, _ = pipe.Exec(ctx)

	return nil
}

// LoadAttempt retrieves the durable record.
func (r *AttemptRecorder) LoadAttempt(ctx context.Context, attemptID uuid.UUID) (*model.AttemptSession, error) {
	return r.repo.LoadAttempt(ctx, attemptID)
}

// CountAttempts returns how many attempts a student has made on a test.
func (r *AttemptRecorder) CountAttempts(ctx context.Context, testID uuid.UUID, studentID int) (int, error) {
	return r.repo.CountAttempts(ctx, testID, studentID)
}

// ListAttemptsByStudent returns a student's attempt history on a test.
func (r *AttemptRecorder) ListAttemptsByStudent(ctx context.Context, testID uuid.UUID, studentID int) ([]model.AttemptSession, error) {
	return r.repo.ListAttemptsByStudent(ctx, testID, studentID)
}

// ListAttemptsNeedingReview pages through completed attempts awaiting review.
func (r *AttemptRecorder) ListAttemptsNeedingReview(ctx context.Context, page, perPage int) ([]ReviewQueueItem, int64, error) {
	return r.repo.ListNeedingReview(ctx, page, perPage)
}

// SaveResponse records one auto-saved response: HSET into the attempt's
// response cache for instant reads, then RPUSH onto the persist queue for
// the response worker. Same write path the exam stream used for answers.
func (r *AttemptRecorder) SaveResponse(ctx context.Context, sess *model.AttemptSession, resp model.Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	id := sess.ID.String()
	qid := resp.QuestionID.String()

	if err := r.rdb.HSet(ctx, config.CacheKey.AttemptResponsesKey(id), qid, raw).Err(); err != nil {
		return fmt.Errorf("cache response: %w", err)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"attempt_id":  id,
		"question_id": qid,
		"response":    json.RawMessage(raw),
	})
	if err := r.rdb.RPush(ctx, config.WorkerKey.PersistResponsesQueue, payload).Err(); err != nil {
		return fmt.Errorf("enqueue response: %w", err)
	}
	return nil
}

// ActiveAttemptID resolves the student's live attempt on a test from the
// cache, falling back to the database when the cache is cold.
func (r *AttemptRecorder) ActiveAttemptID(ctx context.Context, testID uuid.UUID, studentID int) (uuid.UUID, bool, error) {
	key := config.CacheKey.StudentActiveAttemptKey(testID.String(), studentID)
	raw, err := r.rdb.Get(ctx, key).Result()
	if err == nil {
		id, perr := uuid.Parse(raw)
		if perr == nil {
			return id, true, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return uuid.Nil, false, err
	}

	// Cache cold (flush, TTL lapse or corrupt entry): the record is the
	// truth, so an in-progress attempt stays discoverable without it.
	id, ok, err := r.repo.FindInProgressAttempt(ctx, testID, studentID)
	if err != nil || !ok {
		return uuid.Nil, false, err
	}
	if err := r.rdb.Set(ctx, key, id.String(), time.Hour).Err(); err != nil {
		r.log.Warn().Err(err).Str("attempt_id", id.String()).Msg("Active attempt cache reprime failed")
	}
	return id, true, nil
}

// Remaining computes the authoritative remaining time from the timing
// cache, self-healing from the database on a miss.
func (r *AttemptRecorder) Remaining(ctx context.Context, attemptID uuid.UUID) (time.Duration, error) {
	id := attemptID.String()

	startRaw, err1 := r.rdb.Get(ctx, config.CacheKey.AttemptStartKey(id)).Result()
	durRaw, err2 := r.rdb.Get(ctx, config.CacheKey.AttemptDurationKey(id)).Result()

	if err1 == nil && err2 == nil {
		startUnix, perr1 := strconv.ParseInt(startRaw, 10, 64)
		durMs, perr2 := strconv.ParseInt(durRaw, 10, 64)
		if perr1 == nil && perr2 == nil {
			sess := model.AttemptSession{
				StartedAt: time.Unix(startUnix, 0),
				Duration:  time.Duration(durMs) * time.Millisecond,
			}
			return sess.Remaining(time.Now()), nil
		}
	}

	// Cache miss or corrupt entry: rebuild from the record.
	sess, err := r.repo.LoadAttempt(ctx, attemptID)
	if err != nil {
		return 0, err
	}
	ttl := sess.Duration + time.Hour
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, config.CacheKey.AttemptStartKey(id), sess.StartedAt.Unix(), ttl)
	pipe.Set(ctx, config.CacheKey.AttemptDurationKey(id), sess.Duration.Milliseconds(), ttl)
	_, _ = pipe.Exec(ctx)

	return sess.Remaining(time.Now()), nil
}
