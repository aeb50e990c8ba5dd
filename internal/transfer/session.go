package transfer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/apod-cache/internal/model"
)

// Journal persists background tasks so a later process can reattach to
// them.
type Journal interface {
	SaveTask(ctx context.Context, rec model.TaskRecord) error
	DeleteTask(ctx context.Context, sessionID, taskID string) error
	ListTasks(ctx context.Context, sessionID string) ([]model.TaskRecord, error)
}

const journalTimeout = 5 * time.Second

// barrier queues task starts while a reattachment runs and releases them in
// submission order afterwards.
type barrier struct {
	mu    sync.Mutex
	held  bool
	used  bool
	queue []func()
	gate  chan struct{}
}

func newBarrier() *barrier {
	gate := make(chan struct{})
	close(gate)
	return &barrier{gate: gate}
}

// hold closes the barrier. It succeeds only once per fetcher.
func (b *barrier) hold() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used {
		return false
	}
	b.used = true
	b.held = true
	b.gate = make(chan struct{})
	return true
}

// enqueue queues fn if the barrier is held and reports whether it did.
func (b *barrier) enqueue(fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.held {
		return false
	}
	b.queue = append(b.queue, fn)
	return true
}

// release runs queued starts one after another, including any queued while
// releasing, then opens the barrier.
func (b *barrier) release() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.held = false
			close(b.gate)
			b.mu.Unlock()
			return
		}
		fn := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		fn()
	}
}

// wait blocks until the barrier is open.
func (b *barrier) wait(ctx, life context.Context) error {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "transfer: waiting for reattachment")
	case <-life.Done():
		return eris.New("transfer: fetcher closed")
	}
}

// Reattach restores the background tasks journaled under sessionID: files
// that finished before the restart are delivered again as Finished events,
// and unfinished downloads continue from their partial files. The returned
// channel is closed once every restored task has delivered its terminal
// event, or earlier when ctx is done. Cancelling ctx does not lift the
// barrier: downloads submitted meanwhile stay queued until the restored
// tasks finish and then start in submission order. Only the first call has
// any effect.
func (f *Fetcher) Reattach(ctx context.Context, sessionID string) <-chan struct{} {
	done := make(chan struct{})
	if sessionID == "" {
		sessionID = f.opts.SessionID
	}
	if !f.barrier.hold() {
		zap.L().Warn("transfer: session already reattached", zap.String("session_id", sessionID))
		close(done)
		return done
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(done)
		f.barrier.release()
		return done
	}
	f.wg.Add(1)
	f.mu.Unlock()

	released := make(chan struct{})
	go func() {
		select {
		case <-released:
		case <-ctx.Done():
		}
		close(done)
	}()

	go func() {
		defer f.wg.Done()
		defer close(released)

		restored := f.restore(context.WithoutCancel(ctx), sessionID)
		zap.L().Info("transfer: reattaching background session",
			zap.String("session_id", sessionID),
			zap.Int("tasks", len(restored)),
		)
		for _, t := range restored {
			select {
			case <-t.Done():
			case <-f.life.Done():
			}
		}
		f.barrier.release()
	}()
	return done
}

func (f *Fetcher) restore(ctx context.Context, sessionID string) []*Task {
	if f.opts.Journal == nil {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, journalTimeout)
	recs, err := f.opts.Journal.ListTasks(lctx, sessionID)
	cancel()
	if err != nil {
		zap.L().Warn("transfer: list journaled tasks", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}

	keep := make(map[string]bool)
	var tasks []*Task
	for _, rec := range recs {
		t := newTask(rec.ID, rec.Kind, rec.Description, rec.URL, rec.Context)
		t.SessionID = rec.SessionID
		t.partialPath = rec.PartialPath
		t.validator = rec.Validator
		t.expected = rec.ExpectedTotal

		switch rec.State {
		case model.TaskStateCompleted:
			if _, err := os.Stat(rec.PartialPath); err != nil {
				zap.L().Warn("transfer: finished file missing, dropping task",
					zap.String("task_id", rec.ID), zap.Error(err))
				f.journalDelete(t)
				continue
			}
			if f.track(t) != nil {
				return tasks
			}
			keep[rec.PartialPath] = true
			t.complete()
			if !f.redeliver(t) {
				return tasks
			}
			tasks = append(tasks, t)

		case model.TaskStateCreated, model.TaskStateRunning:
			var offset int64
			if info, err := os.Stat(rec.PartialPath); err == nil {
				offset = info.Size()
			}
			if f.track(t) != nil {
				return tasks
			}
			keep[rec.PartialPath] = true
			st := resumeState{
				URL:         rec.URL,
				PartialPath: rec.PartialPath,
				Offset:      offset,
				Validator:   rec.Validator,
				Total:       rec.ExpectedTotal,
			}
			if f.launch(f.life, t, st, true) != nil {
				return tasks
			}
			tasks = append(tasks, t)

		default:
			if rec.PartialPath != "" {
				_ = os.Remove(rec.PartialPath)
			}
			f.journalDelete(t)
		}
	}

	f.removeOrphans(sessionID, keep)
	return tasks
}

// redeliver emits Finished for a task that completed before the restart.
func (f *Fetcher) redeliver(t *Task) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		f.emit(t, newFinished(t, t.partialPath))
	}()
	return true
}

// removeOrphans deletes partial files in the session directory that no
// journaled task refers to.
func (f *Fetcher) removeOrphans(sessionID string, keep map[string]bool) {
	dir := f.sessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if keep[path] {
			continue
		}
		if err := os.Remove(path); err == nil {
			zap.L().Debug("transfer: removed orphaned partial file", zap.String("path", path))
		}
	}
}

func (f *Fetcher) journalSave(t *Task) {
	if f.opts.Journal == nil || !t.Background() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := f.opts.Journal.SaveTask(ctx, t.record()); err != nil {
		zap.L().Warn("transfer: journal task", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (f *Fetcher) journalDelete(t *Task) {
	if f.opts.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := f.opts.Journal.DeleteTask(ctx, t.SessionID, t.ID); err != nil {
		zap.L().Warn("transfer: remove journaled task", zap.String("task_id", t.ID), zap.Error(err))
	}
}
