// Package transfer runs foreground and background network transfers,
// reports their progress as events, and resumes interrupted downloads.
package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/apod-cache/internal/apperr"
	"github.com/sells-group/apod-cache/internal/model"
)

// Options configures a Fetcher.
type Options struct {
	// SessionID names the background session. Background tasks are
	// journaled under it and reattached by it after a restart.
	SessionID string

	UserAgent string

	// Timeout bounds document fetches and connection setup.
	Timeout time.Duration

	// ProgressInterval is the minimum gap between progress events of one
	// task. Zero reports every chunk.
	ProgressInterval time.Duration

	// TempDir holds foreground partial files.
	TempDir string

	// DataDir holds background session directories.
	DataDir string

	// RateLimit is requests per second per host; zero disables limiting.
	RateLimit float64

	// AckTimeout bounds how long a Finished event's Location is kept
	// waiting for Ack.
	AckTimeout time.Duration

	// EventBuffer is the internal queue size between tasks and the
	// notifier.
	EventBuffer int

	HTTPClient *http.Client

	// Journal persists background tasks. Nil disables reattachment.
	Journal Journal
}

func (o *Options) applyDefaults() {
	if o.SessionID == "" {
		o.SessionID = "apod-cache.background"
	}
	if o.UserAgent == "" {
		o.UserAgent = "apod-cache/1.0"
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.ProgressInterval < 0 {
		o.ProgressInterval = 0
	}
	if o.TempDir == "" {
		o.TempDir = os.TempDir()
	}
	if o.DataDir == "" {
		o.DataDir = filepath.Join(o.TempDir, "apod-cache")
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = time.Minute
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
}

// Fetcher creates and tracks transfer tasks. All task outcomes are
// delivered, one at a time, on the channel returned by Events.
type Fetcher struct {
	opts Options
	http *httpTransport
	ftp  *ftpTransport

	life context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	in  chan Event
	out chan Event

	barrier *barrier

	mu     sync.Mutex
	closed bool
	active map[*Task]struct{}
}

// NewFetcher creates a Fetcher and starts its notifier.
func NewFetcher(opts Options) *Fetcher {
	opts.applyDefaults()
	life, stop := context.WithCancel(context.Background())

	f := &Fetcher{
		opts:    opts,
		http:    newHTTPTransport(opts.HTTPClient, opts.UserAgent, rate.Limit(opts.RateLimit), opts.Timeout),
		ftp:     &ftpTransport{timeout: opts.Timeout},
		life:    life,
		stop:    stop,
		in:      make(chan Event, opts.EventBuffer),
		out:     make(chan Event),
		barrier: newBarrier(),
		active:  make(map[*Task]struct{}),
	}

	f.wg.Add(1)
	go f.dispatch()
	return f
}

// Events returns the channel on which every task event is delivered. It is
// closed by Close.
func (f *Fetcher) Events() <-chan Event {
	return f.out
}

// SessionID returns the background session identifier.
func (f *Fetcher) SessionID() string {
	return f.opts.SessionID
}

// DownloadFile starts downloading rawURL and returns immediately. The task
// ends with a Finished event carrying a temporary file, or a Failed event.
func (f *Fetcher) DownloadFile(ctx context.Context, rawURL, description string, dc model.DownloadContext, background bool) (*Task, error) {
	if _, err := f.transportFor(rawURL); err != nil {
		return nil, err
	}
	t := f.newTask(rawURL, description, dc, background)
	return t, f.submit(ctx, t, resumeState{URL: rawURL}, false)
}

// ResumeDownload continues a failed download from its resume token. The new
// task carries dc; events follow the same contract as DownloadFile, with a
// Resumed event before any progress.
func (f *Fetcher) ResumeDownload(ctx context.Context, token ResumeToken, description string, dc model.DownloadContext, background bool) (*Task, error) {
	st, err := decodeResumeToken(token)
	if err != nil {
		return nil, err
	}
	if _, err := f.transportFor(st.URL); err != nil {
		return nil, err
	}
	t := f.newTask(st.URL, description, dc, background)
	return t, f.submit(ctx, t, st, true)
}

// Close cancels running work, waits for the notifier and task goroutines,
// and closes the event channel. Background partial files and journal rows
// are kept so the next process can reattach.
func (f *Fetcher) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.stop()
	f.wg.Wait()

	f.mu.Lock()
	for t := range f.active {
		t.finish()
	}
	f.active = map[*Task]struct{}{}
	f.mu.Unlock()

	close(f.out)
}

func (f *Fetcher) newTask(rawURL, description string, dc model.DownloadContext, background bool) *Task {
	kind := model.TaskKindForegroundDownload
	if background {
		kind = model.TaskKindBackgroundDownload
	}
	t := newTask(uuid.NewString(), kind, description, rawURL, dc)
	if background {
		t.SessionID = f.opts.SessionID
	}
	return t
}

// submit starts t now, or queues it behind a running reattachment.
func (f *Fetcher) submit(ctx context.Context, t *Task, st resumeState, resumed bool) error {
	if err := f.track(t); err != nil {
		return err
	}
	start := func() {
		if err := f.launch(ctx, t, st, resumed); err != nil {
			return
		}
		select {
		case <-t.firstEvent:
		case <-f.life.Done():
		}
	}
	if f.barrier.enqueue(start) {
		zap.L().Debug("transfer: queued behind reattachment", zap.String("task_id", t.ID))
		return nil
	}
	return f.launch(ctx, t, st, resumed)
}

// track registers t so Close can release its Done channel.
func (f *Fetcher) track(t *Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return eris.New("transfer: fetcher closed")
	}
	f.active[t] = struct{}{}
	return nil
}

func (f *Fetcher) launch(parent context.Context, t *Task, st resumeState, resumed bool) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return eris.New("transfer: fetcher closed")
	}
	f.wg.Add(1)
	f.mu.Unlock()

	// Background tasks outlive the caller; foreground tasks do not.
	base := parent
	if t.Background() {
		base = f.life
	}
	ctx, cancel := context.WithCancel(base)
	stopLife := context.AfterFunc(f.life, cancel)

	go func() {
		defer f.wg.Done()
		defer cancel()
		defer stopLife()
		f.run(ctx, t, cancel, st, resumed)
	}()
	return nil
}

func (f *Fetcher) transportFor(rawURL string) (transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperr.Network("transfer: url", eris.Wrapf(err, "parse %q", rawURL))
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.http, nil
	case "ftp":
		return f.ftp, nil
	default:
		return nil, apperr.Network("transfer: url", eris.Errorf("unsupported scheme %q", u.Scheme))
	}
}

func (f *Fetcher) sessionDir(sessionID string) string {
	return filepath.Join(f.opts.DataDir, "sessions", sessionID)
}

func (f *Fetcher) partialPathFor(t *Task) string {
	if t.Background() {
		return filepath.Join(f.sessionDir(t.SessionID), t.ID+".part")
	}
	return filepath.Join(f.opts.TempDir, t.ID+".part")
}

// emit queues ev for the notifier. It reports false once the fetcher is
// shutting down.
func (f *Fetcher) emit(t *Task, ev Event) bool {
	select {
	case f.in <- ev:
		t.markFirstEvent()
		return true
	case <-f.life.Done():
		return false
	}
}

// run performs one transfer and emits its events.
func (f *Fetcher) run(ctx context.Context, t *Task, cancel context.CancelFunc, st resumeState, resumed bool) {
	log := zap.L().With(
		zap.String("task_id", t.ID),
		zap.String("kind", string(t.Kind)),
		zap.String("description", t.Description),
	)

	if !t.setRunning(cancel) {
		f.failTask(ctx, t, apperr.ErrCancelled, 0)
		return
	}

	t.partialPath = f.partialPathFor(t)
	t.validator = st.Validator
	t.expected = UnknownLength
	if resumed {
		t.expected = st.Total
		t.resumable = true
	}

	if err := os.MkdirAll(filepath.Dir(t.partialPath), 0o755); err != nil {
		f.failTask(ctx, t, apperr.Storage("transfer: prepare", eris.Wrap(err, "create partial dir")), 0)
		return
	}

	offset := int64(0)
	if resumed {
		offset = adoptPartial(st, t.partialPath)
	}
	t.offset = offset
	f.journalSave(t)

	tp, _ := f.transportFor(t.URL)
	resp, err := tp.open(ctx, transferRequest{URL: t.URL, Offset: offset, Validator: t.validator})
	if err != nil {
		f.failTask(ctx, t, err, offset)
		return
	}
	body := &onceCloser{ReadCloser: resp.Body}
	defer body.Close() //nolint:errcheck
	stopClose := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stopClose()

	t.offset = resp.Offset
	t.expected = resp.Total
	t.validator = resp.Validator
	t.resumable = resp.Resumable
	f.journalSave(t)

	if resumed {
		if resp.Offset != offset {
			log.Info("transfer: server restarted transfer from zero", zap.Int64("requested_offset", offset))
		}
		if !f.emit(t, Resumed{Task: t, Offset: resp.Offset, ExpectedTotal: resp.Total, Context: t.Context}) {
			return
		}
	}

	file, err := os.OpenFile(t.partialPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		f.failTask(ctx, t, apperr.Storage("transfer: write", eris.Wrap(err, "open partial file")), resp.Offset)
		return
	}
	written, err := f.copyBody(ctx, t, file, body, resp)
	closeErr := file.Close()
	if err == nil && closeErr != nil {
		err = apperr.Storage("transfer: write", eris.Wrap(closeErr, "close partial file"))
	}
	if err != nil {
		f.failTask(ctx, t, err, written)
		return
	}

	t.complete()
	f.journalSave(t)
	log.Info("transfer: download finished",
		zap.String("size", humanize.Bytes(uint64(written))),
		zap.Int64("resumed_from", resp.Offset),
	)
	f.emit(t, newFinished(t, t.partialPath))
}

// copyBody streams the response into file from resp.Offset and returns the
// number of bytes on disk afterwards.
func (f *Fetcher) copyBody(ctx context.Context, t *Task, file *os.File, body io.Reader, resp *transferResponse) (int64, error) {
	if err := file.Truncate(resp.Offset); err != nil {
		return 0, apperr.Storage("transfer: write", eris.Wrap(err, "truncate partial file"))
	}
	if _, err := file.Seek(resp.Offset, io.SeekStart); err != nil {
		return 0, apperr.Storage("transfer: write", eris.Wrap(err, "seek partial file"))
	}

	buf := make([]byte, 32*1024)
	m := newMeter(f.opts.ProgressInterval, time.Now())
	total := resp.Offset
	var received, sinceLast int64

	progress := func(now time.Time) bool {
		ev := Progress{
			Task:          t,
			BytesWritten:  sinceLast,
			TotalWritten:  total,
			TotalExpected: resp.Total,
			Throughput:    m.sample(now, received),
			Context:       t.Context,
		}
		sinceLast = 0
		return f.emit(t, ev)
	}

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return total, apperr.Storage("transfer: write", eris.Wrap(werr, "write partial file"))
			}
			total += int64(n)
			received += int64(n)
			sinceLast += int64(n)
			if now := time.Now(); m.due(now) {
				if !progress(now) {
					return total, eris.Wrap(context.Canceled, "transfer: shutting down")
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return total, eris.Wrap(ctx.Err(), "transfer: read body")
			}
			return total, apperr.Network("transfer: read body", eris.Wrap(rerr, "read"))
		}
	}

	if sinceLast > 0 && !progress(time.Now()) {
		return total, eris.Wrap(context.Canceled, "transfer: shutting down")
	}
	if resp.Total >= 0 && total != resp.Total {
		return total, apperr.Network("transfer: read body",
			eris.Errorf("received %d of %d bytes", total, resp.Total))
	}
	if err := file.Sync(); err != nil {
		return total, apperr.Storage("transfer: write", eris.Wrap(err, "sync partial file"))
	}
	return total, nil
}

// failTask records the failure and emits Failed. onDisk is how many bytes
// of the resource the partial file holds.
func (f *Fetcher) failTask(ctx context.Context, t *Task, err error, onDisk int64) {
	if f.life.Err() != nil && t.Background() {
		// Shutdown: leave the partial file and journal row for Reattach.
		return
	}

	cancelled := t.isCancelled() || ctx.Err() != nil
	if cancelled && !apperr.Is(err, apperr.KindCancelled) {
		err = apperr.New(apperr.KindCancelled, "transfer: "+t.Description, err)
	}

	var token ResumeToken
	if t.resumable && onDisk > 0 {
		token = encodeResumeToken(resumeState{
			URL:         t.URL,
			PartialPath: t.partialPath,
			Offset:      onDisk,
			Validator:   t.validator,
			Total:       t.expected,
		})
	} else if t.partialPath != "" {
		_ = os.Remove(t.partialPath)
	}

	t.fail(err, token, cancelled)
	zap.L().Warn("transfer: download failed",
		zap.String("task_id", t.ID),
		zap.String("description", t.Description),
		zap.Bool("resumable", token != nil),
		zap.Error(err),
	)
	f.emit(t, Failed{Task: t, Err: err, Context: t.Context, ResumeToken: token})
}

// adoptPartial moves the token's partial file to path and returns the
// offset the transfer can continue from.
func adoptPartial(st resumeState, path string) int64 {
	if st.PartialPath != path {
		if err := os.Rename(st.PartialPath, path); err != nil {
			zap.L().Warn("transfer: partial file unavailable, restarting",
				zap.String("partial_path", st.PartialPath),
				zap.Error(err),
			)
			return 0
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if info.Size() < st.Offset {
		return info.Size()
	}
	return st.Offset
}

// dispatch is the notification context: it delivers events one at a time,
// reclaims Finished files once acknowledged, and retires finished tasks.
func (f *Fetcher) dispatch() {
	defer f.wg.Done()
	for {
		select {
		case ev := <-f.in:
			f.deliver(ev)
		case <-f.life.Done():
			return
		}
	}
}

func (f *Fetcher) deliver(ev Event) {
	select {
	case f.out <- ev:
	case <-f.life.Done():
		return
	}
	if !ev.Terminal() {
		return
	}

	t := taskOf(ev)
	if fin, ok := ev.(Finished); ok {
		timer := time.NewTimer(f.opts.AckTimeout)
		select {
		case <-fin.acked:
		case <-timer.C:
			zap.L().Warn("transfer: finished event not acknowledged, reclaiming file",
				zap.String("task_id", t.ID),
				zap.Duration("ack_timeout", f.opts.AckTimeout),
			)
		case <-f.life.Done():
			timer.Stop()
			return
		}
		timer.Stop()
		if err := os.Remove(fin.Location); err != nil && !os.IsNotExist(err) {
			zap.L().Warn("transfer: remove temporary file", zap.String("path", fin.Location), zap.Error(err))
		}
	}

	if t.Background() {
		f.journalDelete(t)
	}

	f.mu.Lock()
	delete(f.active, t)
	f.mu.Unlock()
	t.finish()
}

type onceCloser struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.ReadCloser.Close() })
	return c.err
}
