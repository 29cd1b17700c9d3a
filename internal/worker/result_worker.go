package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testline/testline-backend/internal/config"
)

const (
	ResultBatchSize    = 50
	ResultBatchTimeout = 2 * time.Second
	ResultPollTimeout  = 1 * time.Second
)

// ResultWorker consumes persist_results_queue, folds completed attempt
// results into the per-test statistics projection in batches, and clears
// the attempts' Redis response caches.
type ResultWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewResultWorker creates a new ResultWorker.
func NewResultWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ResultWorker {
	return &ResultWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "result_worker").Logger(),
	}
}

type resultPayload struct {
	AttemptID  string  `json:"attempt_id"`
	TestID     string  `json:"test_id"`
	StudentID  int     `json:"student_id"`
	Percentage float64 `json:"percentage"`
	Passed     bool    `json:"passed"`
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *ResultWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ResultWorker started")

	batch := make([]*resultPayload, 0, ResultBatchSize)
	lastFlush := time.Now()

	for {
		// Should flush?
		if len(batch) > 0 &&
			(len(batch) >= ResultBatchSize || time.Since(lastFlush) >= ResultBatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			item, err := w.rdb.BLPop(ctx, ResultPollTimeout, config.WorkerKey.PersistResultsQueue).Result()
			if err != nil {
				if err != redis.Nil && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var p resultPayload
			if err := json.Unmarshal([]byte(item[1]), &p); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}

			batch = append(batch, &p)
		}
	}
}

// ----------------------------------------------------------------
// Batch Upsert Wrapper
// ----------------------------------------------------------------

func (w *ResultWorker) flushSafe(ctx context.Context, batch []*resultPayload) {
	if len(batch) == 0 {
		return
	}

	if err := w.bulkUpdateStats(ctx, batch); err != nil {
		w.log.Warn().Err(err).Msg("bulk statistics update failed, using fallback")

		for _, p := range batch {
			if err := w.persistSingle(ctx, p); err != nil {
				w.log.Error().Err(err).Msg("persistSingle failed, requeueing")
				raw, _ := json.Marshal(p)
				w.rdb.RPush(ctx, config.WorkerKey.PersistResultsQueue, raw)
			}
		}
		return
	}

	// After successful stats updates, drop the attempts' response caches.
	w.bulkClearResponseCaches(ctx, batch)
}

// ----------------------------------------------------------------
// BULK PostgreSQL UPSERT using UNNEST + GROUP BY
// ----------------------------------------------------------------

func (w *ResultWorker) bulkUpdateStats(ctx context.Context, batch []*resultPayload) error {
	n := len(batch)

	testIDs := make([]uuid.UUID, 0, n)
	percentages := make([]float64, 0, n)
	passedFlags := make([]bool, 0, n)

	for _, p := range batch {
		tID, err := uuid.Parse(p.TestID)
		if err != nil {
			return err
		}
		testIDs = append(testIDs, tID)
		percentages = append(percentages, p.Percentage)
		passedFlags = append(passedFlags, p.Passed)
	}

	query := `
		INSERT INTO test_statistics (test_id, attempts_count, pass_count, percent_sum, updated_at)
		SELECT
			u.test_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE u.passed),
			SUM(u.percentage),
			NOW()
		FROM UNNEST(
			$1::uuid[],
			$2::float8[],
			$3::bool[]
		) AS u (test_id, percentage, passed)
		GROUP BY u.test_id
		ON CONFLICT (test_id) DO UPDATE
		SET attempts_count = test_statistics.attempts_count + EXCLUDED.attempts_count,
		    pass_count = test_statistics.pass_count + EXCLUDED.pass_count,
		    percent_sum = test_statistics.percent_sum + EXCLUDED.percent_sum,
		    updated_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query, testIDs, percentages, passedFlags)
	return err
}

// ----------------------------------------------------------------
// BULK Redis DEL for clearing committed response caches
// ----------------------------------------------------------------

func (w *ResultWorker) bulkClearResponseCaches(ctx context.Context, batch []*resultPayload) {
	pipe := w.rdb.Pipeline()

	for _, p := range batch {
		pipe.Del(ctx, config.CacheKey.AttemptResponsesKey(p.AttemptID))
	}

	_, _ = pipe.Exec(ctx)
}

// ----------------------------------------------------------------
// FALLBACK single upsert
// ----------------------------------------------------------------

func (w *ResultWorker) persistSingle(ctx context.Context, p *resultPayload) error {
	tID, err := uuid.Parse(p.TestID)
	if err != nil {
		return err
	}

	passCount := 0
	if p.Passed {
		passCount = 1
	}

	_, err = w.pool.Exec(ctx,
		`INSERT INTO test_statistics (test_id, attempts_count, pass_count, percent_sum, updated_at)
		 VALUES ($1, 1, $2, $3, NOW())
		 ON CONFLICT (test_id) DO UPDATE
		 SET attempts_count = test_statistics.attempts_count + 1,
		     pass_count = test_statistics.pass_count + $2,
		     percent_sum = test_statistics.percent_sum + $3,
		     updated_at = NOW()`,
		tID, passCount, p.Percentage,
	)
	return err
}
