package transfer

import (
	"context"
	"sync"

	"github.com/sells-group/apod-cache/internal/model"
)

// UnknownLength marks an expected size the server did not report. It is
// distinct from an empty (zero-byte) resource.
const UnknownLength int64 = -1

// Task is one tracked transfer. Its outcome arrives as events on the
// fetcher's event channel; the accessors here are safe to call at any time.
type Task struct {
	ID          string
	Kind        model.TaskKind
	Description string
	URL         string
	SessionID   string
	Context     model.DownloadContext

	partialPath string
	offset      int64
	validator   string
	expected    int64
	resumable   bool

	mu        sync.Mutex
	state     model.TaskState
	err       error
	token     ResumeToken
	cancel    context.CancelFunc
	cancelled bool

	firstOnce  sync.Once
	firstEvent chan struct{}
	doneOnce   sync.Once
	done       chan struct{}
}

func newTask(id string, kind model.TaskKind, description, url string, dc model.DownloadContext) *Task {
	return &Task{
		ID:          id,
		Kind:        kind,
		Description: description,
		URL:         url,
		Context:     dc,
		expected:    UnknownLength,
		state:       model.TaskStateCreated,
		firstEvent:  make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Background reports whether the task belongs to a background session.
func (t *Task) Background() bool {
	return t.Kind == model.TaskKindBackgroundDownload
}

// State returns the current lifecycle state.
func (t *Task) State() model.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure once the task has failed or been cancelled.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// ResumeToken returns the token recorded when the task failed after
// receiving bytes from a server that supports ranges; nil otherwise.
func (t *Task) ResumeToken() ResumeToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

// Done is closed after the task's terminal event has been delivered.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel stops the transfer. The task ends with a Failed event in the
// Cancelled state, keeping a resume token if bytes were received.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Task) setRunning(cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.state = model.TaskStateRunning
	t.cancel = cancel
	return true
}

func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Task) complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = model.TaskStateCompleted
}

func (t *Task) fail(err error, token ResumeToken, cancelled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
	t.token = token
	if t.cancelled || cancelled {
		t.state = model.TaskStateCancelled
	} else {
		t.state = model.TaskStateFailed
	}
}

func (t *Task) markFirstEvent() {
	t.firstOnce.Do(func() { close(t.firstEvent) })
}

func (t *Task) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *Task) record() model.TaskRecord {
	return model.TaskRecord{
		ID:            t.ID,
		SessionID:     t.SessionID,
		Kind:          t.Kind,
		Description:   t.Description,
		URL:           t.URL,
		Context:       t.Context,
		PartialPath:   t.partialPath,
		Validator:     t.validator,
		ExpectedTotal: t.expected,
		State:         t.State(),
	}
}
