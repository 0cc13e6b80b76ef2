package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// submittedFlagTTL keeps the submitted marker around after the row is flipped
// so a racing resume is still refused.
const submittedFlagTTL = 24 * time.Hour

// SubmissionWorker closes attempts in PostgreSQL from the submission queue.
type SubmissionWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewSubmissionWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *SubmissionWorker {
	return &SubmissionWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "submission_worker").Logger(),
	}
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *SubmissionWorker) Start(ctx context.Context) {
	w.log.Info().Msg("SubmissionWorker started")

	batch := make([]*model.ProgressPayload, 0, BatchSize)
	raws := make([]string, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {

			w.flushSafe(ctx, batch, raws)
			batch = batch[:0]
			raws = raws[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushSafe(shutdownCtx, batch, raws)
			cancel()
			return

		default:
			item, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistSubmissionsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
					time.Sleep(time.Second)
				}
				continue
			}
			if len(item) < 2 {
				continue
			}

			p, err := decodeProgress(item[1])
			if err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}
			batch = append(batch, p)
			raws = append(raws, item[1])
		}
	}
}

func (w *SubmissionWorker) flushSafe(ctx context.Context, batch []*model.ProgressPayload, raws []string) {
	if len(batch) == 0 {
		return
	}

	if err := w.bulkSubmit(ctx, batch, raws); err != nil {
		w.log.Warn().Err(err).Msg("Bulk submit failed, using fallback")

		for i, p := range batch {
			if err := w.persistSingle(ctx, p, raws[i]); err != nil {
				w.log.Error().Err(err).Str("attempt_id", p.AttemptID.String()).Msg("persistSingle failed, requeueing")
				w.rdb.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, raws[i])
			}
		}
		return
	}

	w.clearHotState(ctx, batch)
}

// submissionColumns flattens a batch into the arrays fed to UNNEST.
type submissionColumns struct {
	ids         []uuid.UUID
	finishedAts []time.Time
	reasons     []string
	transcripts []string
}

func buildSubmissionColumns(batch []*model.ProgressPayload) (*submissionColumns, error) {
	n := len(batch)
	cols := &submissionColumns{
		ids:         make([]uuid.UUID, 0, n),
		finishedAts: make([]time.Time, 0, n),
		reasons:     make([]string, 0, n),
		transcripts: make([]string, 0, n),
	}
	for _, p := range batch {
		transcript, err := json.Marshal(p.Metadata.Transcript)
		if err != nil {
			return nil, err
		}
		finished := p.SavedAt
		if ended := p.Metadata.Transcript.Metadata.Timing.EndedAt; ended != nil {
			finished = *ended
		}
		cols.ids = append(cols.ids, p.AttemptID)
		cols.finishedAts = append(cols.finishedAts, finished)
		cols.reasons = append(cols.reasons, string(p.Reason))
		cols.transcripts = append(cols.transcripts, string(transcript))
	}
	return cols, nil
}

// ----------------------------------------------------------------
// BULK PostgreSQL UPDATE using UNNEST + alias
// ----------------------------------------------------------------

func (w *SubmissionWorker) bulkSubmit(ctx context.Context, batch []*model.ProgressPayload, raws []string) error {
	cols, err := buildSubmissionColumns(batch)
	if err != nil {
		return err
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE attempts AS a
		SET status = 'SUBMITTED',
		    finished_at = t.finished_at,
		    reason = t.reason,
		    transcript = t.transcript
		FROM (
			SELECT u.id, u.finished_at, u.reason, u.transcript::jsonb AS transcript
			FROM UNNEST(
				$1::uuid[],
				$2::timestamptz[],
				$3::text[],
				$4::text[]
			) AS u (id, finished_at, reason, transcript)
		) AS t
		WHERE a.id = t.id
		  AND a.status = 'IN_PROGRESS'
	`, cols.ids, cols.finishedAts, cols.reasons, cols.transcripts)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO attempt_snapshots (attempt_id, payload, saved_at)
		SELECT u.id, u.payload::jsonb, u.saved_at
		FROM UNNEST($1::uuid[], $2::text[], $3::timestamptz[]) AS u (id, payload, saved_at)
		ON CONFLICT (attempt_id) DO UPDATE
		SET payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at
	`, cols.ids, raws, cols.finishedAts)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ----------------------------------------------------------------
// BULK Redis cleanup of hot state
// ----------------------------------------------------------------

func (w *SubmissionWorker) clearHotState(ctx context.Context, batch []*model.ProgressPayload) {
	pipe := w.rdb.Pipeline()

	for _, p := range batch {
		id := p.AttemptID.String()
		pipe.Del(ctx,
			config.CacheKey.AttemptDraftsKey(id),
			config.CacheKey.AttemptSnapshotKey(id),
			config.CacheKey.AttemptStartKey(id),
		)
		pipe.Expire(ctx, config.CacheKey.AttemptSubmittedKey(id), submittedFlagTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn().Err(err).Msg("Failed to clear hot state")
	}
}

// ----------------------------------------------------------------
// FALLBACK single update
// ----------------------------------------------------------------

func (w *SubmissionWorker) persistSingle(ctx context.Context, p *model.ProgressPayload, raw string) error {
	cols, err := buildSubmissionColumns([]*model.ProgressPayload{p})
	if err != nil {
		// Unencodable payloads are dropped rather than requeued forever.
		w.log.Error().Err(err).Str("attempt_id", p.AttemptID.String()).Msg("Dropping submission")
		return nil
	}

	_, err = w.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = 'SUBMITTED',
		     finished_at = $1,
		     reason = $2,
		     transcript = $3::jsonb
		 WHERE id = $4 AND status = 'IN_PROGRESS'`,
		cols.finishedAts[0], cols.reasons[0], cols.transcripts[0], p.AttemptID,
	)
	if err != nil {
		return err
	}

	_, err = w.pool.Exec(ctx,
		`INSERT INTO attempt_snapshots (attempt_id, payload, saved_at)
		 VALUES ($1, $2::jsonb, $3)
		 ON CONFLICT (attempt_id) DO UPDATE
		 SET payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at`,
		p.AttemptID, raw, cols.finishedAts[0],
	)
	if err != nil {
		return err
	}

	w.clearHotState(ctx, []*model.ProgressPayload{p})
	return nil
}
