package model

import "time"

// TaskKind is the kind of transfer a task performs.
type TaskKind string

const (
	TaskKindJSONFetch          TaskKind = "json-fetch"
	TaskKindForegroundDownload TaskKind = "foreground-download"
	TaskKindBackgroundDownload TaskKind = "background-download"
)

// TaskState tracks a transfer task's lifecycle.
type TaskState string

const (
	TaskStateCreated   TaskState = "created"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCancelled
}

// TaskRecord is the journal row kept for a background task so it can be
// reattached after a restart.
type TaskRecord struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	Kind          TaskKind        `json:"kind"`
	Description   string          `json:"description"`
	URL           string          `json:"url"`
	Context       DownloadContext `json:"context"`
	PartialPath   string          `json:"partial_path"`
	Validator     string          `json:"validator,omitempty"`
	ExpectedTotal int64           `json:"expected_total"`
	State         TaskState       `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RefreshStatus is the outcome of a cache refresh.
type RefreshStatus string

const (
	RefreshNewData RefreshStatus = "new_data"
	RefreshNoData  RefreshStatus = "no_data"
	RefreshFailed  RefreshStatus = "failed"
)

// RefreshResult reports what a refresh did. Err is set iff Status is
// RefreshFailed.
type RefreshResult struct {
	Status  RefreshStatus `json:"status"`
	Updated []MediaKind   `json:"updated,omitempty"`
	Skipped []string      `json:"skipped,omitempty"`
	Err     error         `json:"-"`
}

// Error returns the displayable failure message, or "".
func (r RefreshResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
