package store

import (
	"context"

	"github.com/sells-group/apod-cache/internal/model"
)

// Store persists the cache slot index and the background task journal.
// The slot index is readable without a running fetcher.
type Store interface {
	// Cache slots, one row per media kind.
	SaveSlot(ctx context.Context, asset *model.Asset) error
	LoadSlots(ctx context.Context) (map[model.MediaKind]*model.Asset, error)
	DeleteSlot(ctx context.Context, kind model.MediaKind) error

	// Background task journal.
	SaveTask(ctx context.Context, rec model.TaskRecord) error
	DeleteTask(ctx context.Context, sessionID, taskID string) error
	ListTasks(ctx context.Context, sessionID string) ([]model.TaskRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
