package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/apod-cache/internal/db"
	"github.com/sells-group/apod-cache/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.NewPool(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cached_assets (
	kind            TEXT PRIMARY KEY,
	remote_url      TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	explanation     TEXT NOT NULL DEFAULT '',
	date            TEXT NOT NULL DEFAULT '',
	copyright       TEXT NOT NULL DEFAULT '',
	cached_location TEXT NOT NULL,
	cached_at       TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transfer_tasks (
	session_id     TEXT NOT NULL,
	id             TEXT NOT NULL,
	kind           TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	url            TEXT NOT NULL,
	context        JSONB NOT NULL,
	partial_path   TEXT NOT NULL DEFAULT '',
	validator      TEXT NOT NULL DEFAULT '',
	expected_total BIGINT NOT NULL DEFAULT -1,
	state          TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, id)
);

CREATE INDEX IF NOT EXISTS idx_transfer_tasks_session ON transfer_tasks(session_id, created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveSlot(ctx context.Context, asset *model.Asset) error {
	if asset == nil || !asset.Kind.Valid() {
		return eris.New("postgres: save slot: invalid asset")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cached_assets (kind, remote_url, title, explanation, date, copyright, cached_location, cached_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (kind) DO UPDATE SET
			remote_url = EXCLUDED.remote_url,
			title = EXCLUDED.title,
			explanation = EXCLUDED.explanation,
			date = EXCLUDED.date,
			copyright = EXCLUDED.copyright,
			cached_location = EXCLUDED.cached_location,
			cached_at = EXCLUDED.cached_at,
			updated_at = EXCLUDED.updated_at`,
		string(asset.Kind), asset.RemoteURL, asset.Title, asset.Explanation, asset.Date, asset.Copyright,
		asset.CachedLocation, asset.CachedAt.UTC(), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save slot %s", asset.Kind)
}

func (s *PostgresStore) LoadSlots(ctx context.Context) (map[model.MediaKind]*model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, remote_url, title, explanation, date, copyright, cached_location, cached_at FROM cached_assets`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load slots")
	}
	defer rows.Close()

	slots := make(map[model.MediaKind]*model.Asset)
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan slot")
		}
		slots[a.Kind] = a
	}
	return slots, eris.Wrap(rows.Err(), "postgres: iterate slots")
}

func (s *PostgresStore) DeleteSlot(ctx context.Context, kind model.MediaKind) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cached_assets WHERE kind = $1`, string(kind))
	return eris.Wrapf(err, "postgres: delete slot %s", kind)
}

func (s *PostgresStore) SaveTask(ctx context.Context, rec model.TaskRecord) error {
	contextJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal task context")
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO transfer_tasks (session_id, id, kind, description, url, context, partial_path, validator, expected_total, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (session_id, id) DO UPDATE SET
			partial_path = EXCLUDED.partial_path,
			validator = EXCLUDED.validator,
			expected_total = EXCLUDED.expected_total,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		rec.SessionID, rec.ID, string(rec.Kind), rec.Description, rec.URL, contextJSON,
		rec.PartialPath, rec.Validator, rec.ExpectedTotal, string(rec.State), now, now,
	)
	return eris.Wrapf(err, "postgres: save task %s", rec.ID)
}

func (s *PostgresStore) DeleteTask(ctx context.Context, sessionID, taskID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM transfer_tasks WHERE session_id = $1 AND id = $2`, sessionID, taskID,
	)
	return eris.Wrapf(err, "postgres: delete task %s", taskID)
}

func (s *PostgresStore) ListTasks(ctx context.Context, sessionID string) ([]model.TaskRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, id, kind, description, url, context::text, partial_path, validator, expected_total, state, created_at, updated_at
		 FROM transfer_tasks WHERE session_id = $1 ORDER BY created_at, id`, sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var out []model.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate tasks")
}
