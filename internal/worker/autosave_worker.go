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

// AutosaveWorker consumes the snapshot queue and UPSERTs the latest progress
// payload of each attempt into PostgreSQL.
type AutosaveWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "autosave_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistSnapshotsQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			time.Sleep(time.Second)
		}
		return
	}
	if len(result) < 2 {
		return
	}

	p, err := decodeProgress(result[1])
	if err != nil {
		w.log.Error().Err(err).Msg("Discarding malformed snapshot")
		return
	}

	if err := w.persistSnapshot(ctx, p, result[1]); err != nil {
		w.log.Error().Err(err).
			Str("attempt_id", p.AttemptID.String()).
			Msg("Persist error, retrying in 5s")
		w.rdb.RPush(ctx, config.WorkerKey.PersistSnapshotsQueue, result[1])
		time.Sleep(5 * time.Second)
	}
}

// persistSnapshot keeps only the newest payload per attempt; a late, older
// snapshot never overwrites a newer one.
func (w *AutosaveWorker) persistSnapshot(ctx context.Context, p *model.ProgressPayload, raw string) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO attempt_snapshots (attempt_id, payload, saved_at)
		 VALUES ($1, $2::jsonb, $3)
		 ON CONFLICT (attempt_id) DO UPDATE
		 SET payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at
		 WHERE attempt_snapshots.saved_at <= EXCLUDED.saved_at`,
		p.AttemptID, raw, p.SavedAt,
	)
	return err
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistSnapshotsQueue).Result()
		if err != nil {
			break
		}

		p, err := decodeProgress(result)
		if err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.persistSnapshot(ctx, p, result); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistSnapshotsQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}

func decodeProgress(raw string) (*model.ProgressPayload, error) {
	var p model.ProgressPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	if p.AttemptID == uuid.Nil {
		return nil, errors.New("payload has no attempt_id")
	}
	return &p, nil
}
