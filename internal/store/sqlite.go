package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/apod-cache/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cached_assets (
	kind            TEXT PRIMARY KEY,
	remote_url      TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	explanation     TEXT NOT NULL DEFAULT '',
	date            TEXT NOT NULL DEFAULT '',
	copyright       TEXT NOT NULL DEFAULT '',
	cached_location TEXT NOT NULL,
	cached_at       DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS transfer_tasks (
	session_id     TEXT NOT NULL,
	id             TEXT NOT NULL,
	kind           TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	url            TEXT NOT NULL,
	context        TEXT NOT NULL,
	partial_path   TEXT NOT NULL DEFAULT '',
	validator      TEXT NOT NULL DEFAULT '',
	expected_total INTEGER NOT NULL DEFAULT -1,
	state          TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	PRIMARY KEY (session_id, id)
);

CREATE INDEX IF NOT EXISTS idx_transfer_tasks_session ON transfer_tasks(session_id, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveSlot(ctx context.Context, asset *model.Asset) error {
	if asset == nil || !asset.Kind.Valid() {
		return eris.New("sqlite: save slot: invalid asset")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cached_assets (kind, remote_url, title, explanation, date, copyright, cached_location, cached_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(kind) DO UPDATE SET
			remote_url = excluded.remote_url,
			title = excluded.title,
			explanation = excluded.explanation,
			date = excluded.date,
			copyright = excluded.copyright,
			cached_location = excluded.cached_location,
			cached_at = excluded.cached_at,
			updated_at = excluded.updated_at`,
		string(asset.Kind), asset.RemoteURL, asset.Title, asset.Explanation, asset.Date, asset.Copyright,
		asset.CachedLocation, asset.CachedAt.UTC(), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save slot %s", asset.Kind)
}

func (s *SQLiteStore) LoadSlots(ctx context.Context) (map[model.MediaKind]*model.Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, remote_url, title, explanation, date, copyright, cached_location, cached_at FROM cached_assets`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load slots")
	}
	defer rows.Close() //nolint:errcheck

	slots := make(map[model.MediaKind]*model.Asset)
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan slot")
		}
		slots[a.Kind] = a
	}
	return slots, eris.Wrap(rows.Err(), "sqlite: iterate slots")
}

func (s *SQLiteStore) DeleteSlot(ctx context.Context, kind model.MediaKind) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cached_assets WHERE kind = ?`, string(kind))
	return eris.Wrapf(err, "sqlite: delete slot %s", kind)
}

func (s *SQLiteStore) SaveTask(ctx context.Context, rec model.TaskRecord) error {
	contextJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal task context")
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transfer_tasks (session_id, id, kind, description, url, context, partial_path, validator, expected_total, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, id) DO UPDATE SET
			partial_path = excluded.partial_path,
			validator = excluded.validator,
			expected_total = excluded.expected_total,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		rec.SessionID, rec.ID, string(rec.Kind), rec.Description, rec.URL, string(contextJSON),
		rec.PartialPath, rec.Validator, rec.ExpectedTotal, string(rec.State), now, now,
	)
	return eris.Wrapf(err, "sqlite: save task %s", rec.ID)
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, sessionID, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM transfer_tasks WHERE session_id = ? AND id = ?`, sessionID, taskID,
	)
	return eris.Wrapf(err, "sqlite: delete task %s", taskID)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, sessionID string) ([]model.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, id, kind, description, url, context, partial_path, validator, expected_total, state, created_at, updated_at
		 FROM transfer_tasks WHERE session_id = ? ORDER BY created_at, id`, sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate tasks")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanAsset(row scannable) (*model.Asset, error) {
	var a model.Asset
	var kind string
	if err := row.Scan(&kind, &a.RemoteURL, &a.Title, &a.Explanation, &a.Date, &a.Copyright,
		&a.CachedLocation, &a.CachedAt); err != nil {
		return nil, err
	}
	a.Kind = model.MediaKind(kind)
	return &a, nil
}

func scanTask(row scannable) (*model.TaskRecord, error) {
	var rec model.TaskRecord
	var kind, state, contextJSON string
	if err := row.Scan(&rec.SessionID, &rec.ID, &kind, &rec.Description, &rec.URL, &contextJSON,
		&rec.PartialPath, &rec.Validator, &rec.ExpectedTotal, &state, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Kind = model.TaskKind(kind)
	rec.State = model.TaskState(state)
	if err := json.Unmarshal([]byte(contextJSON), &rec.Context); err != nil {
		return nil, eris.Wrap(err, "unmarshal task context")
	}
	return &rec, nil
}
