// Package datastore owns the cached image and video assets and refreshes
// them from the daily descriptor.
package datastore

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/apod-cache/internal/apperr"
	"github.com/sells-group/apod-cache/internal/model"
	"github.com/sells-group/apod-cache/internal/resilience"
	"github.com/sells-group/apod-cache/internal/transfer"
)

// Fetcher is the transfer layer the store drives.
type Fetcher interface {
	FetchDocument(ctx context.Context, url, description string) (model.Document, []byte, error)
	DownloadFile(ctx context.Context, url, description string, dc model.DownloadContext, background bool) (*transfer.Task, error)
	ResumeDownload(ctx context.Context, token transfer.ResumeToken, description string, dc model.DownloadContext, background bool) (*transfer.Task, error)
	Events() <-chan transfer.Event
}

// SlotStore persists the slot index.
type SlotStore interface {
	SaveSlot(ctx context.Context, asset *model.Asset) error
	LoadSlots(ctx context.Context) (map[model.MediaKind]*model.Asset, error)
	DeleteSlot(ctx context.Context, kind model.MediaKind) error
}

// ConcurrencyMode decides what a refresh call does while another runs.
type ConcurrencyMode string

const (
	// ModeJoin makes the caller wait for and share the running refresh.
	ModeJoin ConcurrencyMode = "join"
	// ModeReject fails the caller with apperr.ErrBusy.
	ModeReject ConcurrencyMode = "reject"
)

// Options configures a DataStore.
type Options struct {
	// DescriptorURL is the full descriptor endpoint, query included.
	DescriptorURL string
	CacheDir      string
	Background    bool
	Mode          ConcurrencyMode

	// ResumeAttempts counts the first download. 1 disables resuming.
	ResumeAttempts int
	ResumeBackoff  time.Duration
}

// DataStore holds at most one cached asset per media kind. Readers see a
// slot change in a single atomic swap; the previous file is deleted only
// after the swap.
type DataStore struct {
	fetcher Fetcher
	store   SlotStore
	opts    Options

	slots map[model.MediaKind]*atomic.Pointer[model.Asset]

	// installMu serializes installs.
	installMu sync.Mutex

	mu       sync.Mutex
	inflight map[model.MediaKind]*slotDownload

	group      singleflight.Group
	refreshing atomic.Bool
}

// slotDownload is the single download allowed per slot at a time.
type slotDownload struct {
	kind      model.MediaKind
	remoteURL string
	taskID    string
	result    chan outcome
	done      chan struct{}
	err       error
}

type outcome struct {
	err   error
	token transfer.ResumeToken
}

// New creates a DataStore. Call Load to restore persisted slots and Run to
// start consuming fetcher events.
func New(f Fetcher, store SlotStore, opts Options) *DataStore {
	if opts.Mode == "" {
		opts.Mode = ModeJoin
	}
	if opts.ResumeAttempts <= 0 {
		opts.ResumeAttempts = 1
	}
	d := &DataStore{
		fetcher:  f,
		store:    store,
		opts:     opts,
		slots:    make(map[model.MediaKind]*atomic.Pointer[model.Asset], len(model.MediaKinds)),
		inflight: make(map[model.MediaKind]*slotDownload),
	}
	for _, k := range model.MediaKinds {
		d.slots[k] = &atomic.Pointer[model.Asset]{}
	}
	return d
}

// Cached returns the asset in the kind's slot, or nil.
func (d *DataStore) Cached(kind model.MediaKind) *model.Asset {
	p, ok := d.slots[kind]
	if !ok {
		return nil
	}
	return p.Load()
}

// CachedImage returns the cached image asset, or nil.
func (d *DataStore) CachedImage() *model.Asset { return d.Cached(model.MediaKindImage) }

// CachedVideo returns the cached video asset, or nil.
func (d *DataStore) CachedVideo() *model.Asset { return d.Cached(model.MediaKindVideo) }

// Load restores slots from the store. Rows whose file is gone are dropped.
func (d *DataStore) Load(ctx context.Context) error {
	saved, err := d.store.LoadSlots(ctx)
	if err != nil {
		return apperr.Storage("datastore: load", err)
	}
	for kind, asset := range saved {
		p, ok := d.slots[kind]
		if !ok {
			continue
		}
		if _, err := os.Stat(asset.CachedLocation); err != nil {
			zap.L().Warn("datastore: cached file missing, clearing slot",
				zap.String("kind", string(kind)),
				zap.String("path", asset.CachedLocation),
			)
			if err := d.store.DeleteSlot(ctx, kind); err != nil {
				return apperr.Storage("datastore: load", err)
			}
			continue
		}
		p.Store(asset)
	}
	return nil
}

// Run consumes fetcher events until the event channel closes or ctx ends.
// It is the only place downloaded files are installed.
func (d *DataStore) Run(ctx context.Context) error {
	events := d.fetcher.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.handle(ctx, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *DataStore) handle(ctx context.Context, ev transfer.Event) {
	switch e := ev.(type) {
	case transfer.Progress:
		zap.L().Debug("datastore: download progress",
			zap.String("task_id", e.Task.ID),
			zap.String("kind", string(e.Context.Kind)),
			zap.String("written", humanize.Bytes(uint64(e.TotalWritten))),
			zap.String("rate", humanize.Bytes(uint64(e.Throughput))+"/s"),
		)

	case transfer.Resumed:
		zap.L().Info("datastore: download resumed",
			zap.String("task_id", e.Task.ID),
			zap.String("kind", string(e.Context.Kind)),
			zap.String("offset", humanize.Bytes(uint64(e.Offset))),
		)

	case transfer.Finished:
		var err error
		if e.Context.Kind.Valid() {
			_, err = d.install(ctx, e.Context, e.Location)
		} else {
			err = apperr.Unsupported("datastore: install", eris.Errorf("no slot for kind %q", e.Context.Kind))
		}
		e.Ack()
		if err != nil {
			zap.L().Error("datastore: install failed", zap.String("task_id", e.Task.ID), zap.Error(err))
		}
		d.report(e.Context.Kind, e.Task.ID, outcome{err: err})

	case transfer.Failed:
		d.report(e.Context.Kind, e.Task.ID, outcome{err: e.Err, token: e.ResumeToken})
	}
}

// report hands a terminal outcome to the slot download waiting for it.
func (d *DataStore) report(kind model.MediaKind, taskID string, out outcome) {
	d.mu.Lock()
	dl, ok := d.inflight[kind]
	tracked := ok && dl.taskID == taskID
	d.mu.Unlock()

	if !tracked {
		if out.err != nil {
			zap.L().Warn("datastore: untracked download failed", zap.String("task_id", taskID), zap.Error(out.err))
		}
		return
	}
	select {
	case dl.result <- out:
	default:
	}
}

// RefreshCachedAssets fetches the descriptor and replaces every slot whose
// remote asset changed. A call made while a refresh runs joins it or fails
// with apperr.ErrBusy, depending on the concurrency mode. In join mode a
// cancelled caller returns early while the refresh completes for the rest. The returned
// error is non-nil exactly when the status is RefreshFailed.
func (d *DataStore) RefreshCachedAssets(ctx context.Context) (model.RefreshResult, error) {
	if d.opts.Mode == ModeReject {
		if !d.refreshing.CompareAndSwap(false, true) {
			return failed(apperr.ErrBusy)
		}
		defer d.refreshing.Store(false)
		return d.refresh(ctx)
	}

	// The shared refresh outlives any one caller; a caller that gives up
	// only stops waiting.
	shared := context.WithoutCancel(ctx)
	ch := d.group.DoChan("refresh", func() (any, error) {
		res, err := d.refresh(shared)
		return res, err
	})
	select {
	case r := <-ch:
		return r.Val.(model.RefreshResult), r.Err
	case <-ctx.Done():
		return failed(apperr.New(apperr.KindCancelled, "datastore: refresh", ctx.Err()))
	}
}

func failed(err error) (model.RefreshResult, error) {
	return model.RefreshResult{Status: model.RefreshFailed, Err: err}, err
}

func (d *DataStore) refresh(ctx context.Context) (model.RefreshResult, error) {
	cycleID := uuid.NewString()
	log := zap.L().With(zap.String("cycle_id", cycleID))

	doc, _, err := d.fetcher.FetchDocument(ctx, d.opts.DescriptorURL, "daily descriptor")
	if err != nil {
		log.Error("datastore: descriptor fetch failed", zap.Error(err))
		return failed(err)
	}

	desc := model.DescriptorFromDocument(doc)
	candidates, skipped := desc.Candidates()

	var res model.RefreshResult
	for _, s := range skipped {
		log.Warn("datastore: skipping descriptor entry", zap.Error(s))
		res.Skipped = append(res.Skipped, s.Error())
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, cand := range candidates {
		g.Go(func() error {
			updated, err := d.refreshSlot(gctx, cand, cycleID)
			if err != nil {
				return err
			}
			if updated {
				mu.Lock()
				res.Updated = append(res.Updated, cand.Kind)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("datastore: refresh failed", zap.Error(err))
		res.Status = model.RefreshFailed
		res.Err = err
		return res, err
	}

	res.Status = model.RefreshNoData
	if len(res.Updated) > 0 {
		res.Status = model.RefreshNewData
	}
	log.Info("datastore: refresh complete",
		zap.String("status", string(res.Status)),
		zap.Int("updated", len(res.Updated)),
	)
	return res, nil
}

// refreshSlot makes cand the slot's asset unless it already is. It reports
// whether the slot changed.
func (d *DataStore) refreshSlot(ctx context.Context, cand *model.Asset, cycleID string) (bool, error) {
	for {
		if cur := d.Cached(cand.Kind); cur.SameRemote(cand) && fileExists(cur.CachedLocation) {
			return false, nil
		}

		dl, owner, err := d.claim(ctx, cand, cycleID)
		if err != nil {
			return false, err
		}

		select {
		case <-dl.done:
		case <-ctx.Done():
			return false, apperr.New(apperr.KindCancelled, "datastore: refresh slot", ctx.Err())
		}

		if owner || dl.remoteURL == cand.RemoteURL {
			return dl.err == nil, dl.err
		}
		// A download for an older remote just finished; try again.
	}
}

// claim returns the slot's in-flight download, or starts one for cand.
// owner reports whether the returned download was started here.
func (d *DataStore) claim(ctx context.Context, cand *model.Asset, cycleID string) (*slotDownload, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if dl, ok := d.inflight[cand.Kind]; ok {
		zap.L().Info("datastore: waiting for in-flight slot download",
			zap.String("kind", string(cand.Kind)),
			zap.String("task_id", dl.taskID),
		)
		return dl, false, nil
	}

	dl := &slotDownload{
		kind:      cand.Kind,
		remoteURL: cand.RemoteURL,
		result:    make(chan outcome, 1),
		done:      make(chan struct{}),
	}
	dc := cand.Context(cycleID)
	task, err := d.fetcher.DownloadFile(d.taskContext(ctx), cand.RemoteURL, string(cand.Kind)+": "+cand.Title, dc, d.opts.Background)
	if err != nil {
		return nil, false, err
	}
	dl.taskID = task.ID
	d.inflight[cand.Kind] = dl

	go d.drive(d.taskContext(ctx), dl, dc)
	return dl, true, nil
}

// taskContext keeps background downloads alive after the refresh returns.
func (d *DataStore) taskContext(ctx context.Context) context.Context {
	if d.opts.Background {
		return context.WithoutCancel(ctx)
	}
	return ctx
}

// drive waits for the slot download, resuming it from its token while
// attempts remain, and then retires it.
func (d *DataStore) drive(ctx context.Context, dl *slotDownload, dc model.DownloadContext) {
	cfg := resilience.FromAttempts(d.opts.ResumeAttempts, d.opts.ResumeBackoff)
	cfg.OnRetry = resilience.RetryLogger("datastore", "download "+string(dl.kind))

	var token transfer.ResumeToken
	cfg.ShouldRetry = func(err error) bool {
		return token != nil && resilience.IsTransient(err)
	}

	first := true
	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		if !first {
			if err := d.restart(ctx, dl, token, dc); err != nil {
				return err
			}
		}
		first = false

		select {
		case out := <-dl.result:
			token = out.token
			return out.err
		case <-ctx.Done():
			return apperr.New(apperr.KindCancelled, "datastore: download", ctx.Err())
		}
	})

	d.mu.Lock()
	if d.inflight[dl.kind] == dl {
		delete(d.inflight, dl.kind)
	}
	dl.err = err
	close(dl.done)
	d.mu.Unlock()
}

// restart resumes dl from token and points the slot download at the new
// task.
func (d *DataStore) restart(ctx context.Context, dl *slotDownload, token transfer.ResumeToken, dc model.DownloadContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, err := d.fetcher.ResumeDownload(ctx, token, string(dl.kind)+": "+dc.Title+" (resumed)", dc, d.opts.Background)
	if err != nil {
		return err
	}
	dl.taskID = task.ID
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
