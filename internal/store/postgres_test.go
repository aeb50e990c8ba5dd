package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/apod-cache/internal/model"
)

var _ Store = (*PostgresStore)(nil)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cached_assets`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveSlot_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	asset := &model.Asset{
		Kind:           model.MediaKindImage,
		RemoteURL:      "https://apod.example/img.jpg",
		Title:          "T",
		Explanation:    "E",
		CachedLocation: "/cache/image.jpg",
		CachedAt:       time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	mock.ExpectExec(`(?s)INSERT INTO cached_assets .* ON CONFLICT \(kind\) DO UPDATE`).
		WithArgs("image", asset.RemoteURL, "T", "E", "", "", asset.CachedLocation, asset.CachedAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveSlot(context.Background(), asset))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadSlots(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cachedAt := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)
	rows := mock.NewRows([]string{"kind", "remote_url", "title", "explanation", "date", "copyright", "cached_location", "cached_at"}).
		AddRow("image", "https://x/img.jpg", "T", "E", "2024-03-14", "", "/c/img.jpg", cachedAt).
		AddRow("video", "https://x/v", "V", "", "", "", "/c/v.mp4", cachedAt)
	mock.ExpectQuery(`SELECT kind, remote_url, title, explanation, date, copyright, cached_location, cached_at FROM cached_assets`).
		WillReturnRows(rows)

	slots, err := s.LoadSlots(context.Background())
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, "T", slots[model.MediaKindImage].Title)
	assert.Equal(t, "/c/v.mp4", slots[model.MediaKindVideo].CachedLocation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadSlots_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)SELECT .* FROM cached_assets`).WillReturnError(errors.New("connection refused"))

	_, err := s.LoadSlots(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: load slots")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rec := testRecord("t1", model.TaskStateRunning)
	mock.ExpectExec(`(?s)INSERT INTO transfer_tasks .* ON CONFLICT \(session_id, id\) DO UPDATE`).
		WithArgs(rec.SessionID, "t1", "background-download", "image", rec.URL, pgxmock.AnyArg(),
			rec.PartialPath, "", int64(-1), "running", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveTask(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListTasks(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	rows := mock.NewRows([]string{"session_id", "id", "kind", "description", "url", "context", "partial_path",
		"validator", "expected_total", "state", "created_at", "updated_at"}).
		AddRow("s1", "t1", "background-download", "image", "https://x/img.jpg",
			`{"kind":"image","remote_url":"https://x/img.jpg","title":"T","explanation":"","cycle_id":"c1"}`,
			"/data/t1.part", `"e"`, int64(2048), "running", now, now)
	mock.ExpectQuery(`(?s)SELECT session_id, id, kind .* FROM transfer_tasks WHERE session_id = \$1`).
		WithArgs("s1").
		WillReturnRows(rows)

	recs, err := s.ListTasks(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.TaskKindBackgroundDownload, recs[0].Kind)
	assert.Equal(t, model.TaskStateRunning, recs[0].State)
	assert.Equal(t, "c1", recs[0].Context.CycleID)
	assert.Equal(t, int64(2048), recs[0].ExpectedTotal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM transfer_tasks WHERE session_id = \$1 AND id = \$2`).
		WithArgs("s1", "t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.DeleteTask(context.Background(), "s1", "t1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CloseWithoutPool(t *testing.T) {
	s := &PostgresStore{}
	assert.NoError(t, s.Close())
}
