// Package progress provides a lightweight byte/item counter that reports its
// value to a callback at a fixed interval.
package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// A Func is a callback for a Counter.
//
// The final argument is true if Counter.Done has been called,
// which means that the current call will be the last.
type Func func(value uint64, total uint64, runtime time.Duration, final bool)

// A Counter tracks a running count and controls a goroutine that passes its
// value periodically to a Func.
type Counter struct {
	report     Func
	start      time.Time
	stop       chan struct{} // closed by Done
	stopped    chan struct{} // closed by the run goroutine on exit
	once       sync.Once
	value, max atomic.Uint64
}

// NewCounter starts a new Counter. With a zero interval the report function is
// only invoked once, from Done.
func NewCounter(interval time.Duration, total uint64, report Func) *Counter {
	c := &Counter{
		report:  report,
		start:   time.Now(),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	c.max.Store(total)
	go c.run(interval)
	return c
}

// Add v to the Counter. This method is concurrency-safe.
func (c *Counter) Add(v uint64) {
	if c != nil {
		c.value.Add(v)
	}
}

// SetMax sets the maximum expected counter value. This method is concurrency-safe.
func (c *Counter) SetMax(max uint64) {
	if c != nil {
		c.max.Store(max)
	}
}

// Get returns the current value and the maximum of c.
// This method is concurrency-safe.
func (c *Counter) Get() (v, max uint64) {
	return c.value.Load(), c.max.Load()
}

// Done tells a Counter to stop and to emit a final report.
func (c *Counter) Done() {
	if c == nil {
		return
	}
	c.once.Do(func() { close(c.stop) })
	<-c.stopped
}

func (c *Counter) run(interval time.Duration) {
	defer close(c.stopped)

	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-tick:
			v, max := c.Get()
			c.report(v, max, time.Since(c.start), false)
		case <-c.stop:
			v, max := c.Get()
			c.report(v, max, time.Since(c.start), true)
			return
		}
	}
}
