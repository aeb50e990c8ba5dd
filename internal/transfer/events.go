package transfer

import (
	"sync"

	"github.com/sells-group/apod-cache/internal/model"
)

// Event is a notification about a transfer task. For a single task the
// fetcher delivers zero or more Resumed/Progress events followed by exactly
// one Finished or Failed event, and nothing after that.
type Event interface {
	// TaskID identifies the task the event belongs to.
	TaskID() string
	// Terminal reports whether this is the task's last event.
	Terminal() bool
}

// Progress reports bytes received. TotalExpected is UnknownLength when the
// server did not say; Throughput is in bytes per second.
type Progress struct {
	Task          *Task
	BytesWritten  int64
	TotalWritten  int64
	TotalExpected int64
	Throughput    float64
	Context       model.DownloadContext
}

// Resumed is delivered before any progress of a resumed task. Offset is
// where the transfer actually continues from: 0 when the server ignored the
// range request and the download started over.
type Resumed struct {
	Task          *Task
	Offset        int64
	ExpectedTotal int64
	Context       model.DownloadContext
}

// Finished carries the temporary file holding the downloaded bytes. The
// receiver must move the file out of Location and then call Ack; the
// fetcher deletes Location as soon as Ack is called.
type Finished struct {
	Task     *Task
	Location string
	Context  model.DownloadContext

	acked chan struct{}
	once  *sync.Once
}

// Ack tells the fetcher the receiver is done with Location.
func (e Finished) Ack() {
	if e.once == nil {
		return
	}
	e.once.Do(func() { close(e.acked) })
}

// Failed ends a task that did not complete. ResumeToken is non-nil when the
// transfer can continue via ResumeDownload.
type Failed struct {
	Task        *Task
	Err         error
	Context     model.DownloadContext
	ResumeToken ResumeToken
}

func (e Progress) TaskID() string { return e.Task.ID }
func (e Resumed) TaskID() string  { return e.Task.ID }
func (e Finished) TaskID() string { return e.Task.ID }
func (e Failed) TaskID() string   { return e.Task.ID }

func (Progress) Terminal() bool { return false }
func (Resumed) Terminal() bool  { return false }
func (Finished) Terminal() bool { return true }
func (Failed) Terminal() bool   { return true }

func newFinished(t *Task, location string) Finished {
	return Finished{
		Task:     t,
		Location: location,
		Context:  t.Context,
		acked:    make(chan struct{}),
		once:     &sync.Once{},
	}
}

func taskOf(ev Event) *Task {
	switch e := ev.(type) {
	case Progress:
		return e.Task
	case Resumed:
		return e.Task
	case Finished:
		return e.Task
	case Failed:
		return e.Task
	}
	return nil
}
