package chrono

import (
	"context"
	"sync"
	"time"
)

// FakeTime is a TimeAPI whose clock only moves when Sleep or Advance is called.
type FakeTime struct {
	mutex sync.Mutex
	now   time.Time
	slept []time.Duration
}

func NewFakeTime(start time.Time) *FakeTime {
	return &FakeTime{now: start}
}

func (f *FakeTime) Now() time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.now
}

func (f *FakeTime) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.Advance(d)
	f.mutex.Lock()
	f.slept = append(f.slept, d)
	f.mutex.Unlock()
	return nil
}

func (f *FakeTime) Advance(d time.Duration) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.now = f.now.Add(d)
}

// Slept returns every duration passed to Sleep, in order.
func (f *FakeTime) Slept() []time.Duration {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]time.Duration(nil), f.slept...)
}
