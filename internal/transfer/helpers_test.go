package transfer

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/apod-cache/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestFetcher(t *testing.T, opts Options) *Fetcher {
	t.Helper()
	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "test-agent"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	f := NewFetcher(opts)
	t.Cleanup(f.Close)
	return f
}

// collected holds events read from a fetcher and the content of every
// Finished file, captured before the event was acknowledged.
type collected struct {
	events []Event
	files  map[string][]byte
}

func collect(t *testing.T, f *Fetcher, terminals int) collected {
	t.Helper()
	c := collected{files: make(map[string][]byte)}
	timeout := time.After(10 * time.Second)
	for terminals > 0 {
		select {
		case ev, ok := <-f.Events():
			require.True(t, ok, "event channel closed")
			c.events = append(c.events, ev)
			if fin, isFin := ev.(Finished); isFin {
				data, err := os.ReadFile(fin.Location)
				require.NoError(t, err)
				c.files[fin.Task.ID] = data
				fin.Ack()
			}
			if ev.Terminal() {
				terminals--
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d so far", len(c.events))
		}
	}
	return c
}

func (c collected) of(taskID string) []Event {
	var out []Event
	for _, ev := range c.events {
		if ev.TaskID() == taskID {
			out = append(out, ev)
		}
	}
	return out
}

func (c collected) firstIndex(taskID string) int {
	for i, ev := range c.events {
		if ev.TaskID() == taskID {
			return i
		}
	}
	return -1
}

func (c collected) lastIndex(taskID string) int {
	idx := -1
	for i, ev := range c.events {
		if ev.TaskID() == taskID {
			idx = i
		}
	}
	return idx
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

var testModTime = time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)

// assetServer serves payload with range support. When cut is positive the
// first full request is aborted after cut bytes.
type assetServer struct {
	payload []byte
	cut     int
	gate    chan struct{}
	calls   atomic.Int32
	ranges  atomic.Int32
}

func (s *assetServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-r.Context().Done():
			return
		}
	}
	if r.Header.Get("Range") != "" {
		s.ranges.Add(1)
	}
	if r.Header.Get("Range") == "" && s.cut > 0 && s.calls.Add(1) == 1 {
		w.Header().Set("Content-Length", strconv.Itoa(len(s.payload)))
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Last-Modified", testModTime.Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(s.payload[:s.cut])
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}
	http.ServeContent(w, r, "asset.bin", testModTime, bytes.NewReader(s.payload))
}

// memJournal is an in-memory Journal.
type memJournal struct {
	mu      sync.Mutex
	recs    map[string]model.TaskRecord
	states  []model.TaskState
	deleted []string
}

func newMemJournal(recs ...model.TaskRecord) *memJournal {
	j := &memJournal{recs: make(map[string]model.TaskRecord)}
	for _, r := range recs {
		j.recs[r.ID] = r
	}
	return j
}

func (j *memJournal) SaveTask(_ context.Context, rec model.TaskRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs[rec.ID] = rec
	j.states = append(j.states, rec.State)
	return nil
}

func (j *memJournal) DeleteTask(_ context.Context, _, taskID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.recs, taskID)
	j.deleted = append(j.deleted, taskID)
	return nil
}

func (j *memJournal) ListTasks(_ context.Context, sessionID string) ([]model.TaskRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []model.TaskRecord
	for _, r := range j.recs {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (j *memJournal) has(taskID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.recs[taskID]
	return ok
}
