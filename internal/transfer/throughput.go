package transfer

import (
	"time"

	"github.com/VividCortex/ewma"
)

// fineGrainedCadence is the slowest progress interval for which the moving
// average is used. Zero means every write reports and counts as fine.
// Slower cadences report the lifetime average instead.
const fineGrainedCadence = time.Second

// meter estimates throughput for one transfer.
type meter struct {
	interval time.Duration
	avg      ewma.MovingAverage
	start    time.Time
	last     time.Time
	lastSeen int64
}

func newMeter(interval time.Duration, now time.Time) *meter {
	m := &meter{interval: interval, start: now, last: now}
	if interval <= fineGrainedCadence {
		m.avg = ewma.NewMovingAverage()
	}
	return m
}

// due reports whether a progress event should be emitted at now.
func (m *meter) due(now time.Time) bool {
	return now.Sub(m.last) >= m.interval
}

// sample records that received bytes have arrived in this transfer so far
// and returns the throughput estimate in bytes per second.
func (m *meter) sample(now time.Time, received int64) float64 {
	defer func() {
		m.last = now
		m.lastSeen = received
	}()

	if m.avg == nil {
		elapsed := now.Sub(m.start).Seconds()
		if elapsed <= 0 {
			return 0
		}
		return float64(received) / elapsed
	}

	dt := now.Sub(m.last).Seconds()
	if dt <= 0 {
		return m.avg.Value()
	}
	m.avg.Add(float64(received-m.lastSeen) / dt)
	return m.avg.Value()
}
