package timectrl

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SimClock is a read-only view of simulation time. Subsystems depend on
// this abstraction rather than the concrete Pacer so tests can drive
// time directly.
type SimClock interface {
	// SimTime returns seconds elapsed since mission epoch.
	SimTime() float64
}

// Mode describes how the Pacer advances simulation time.
type Mode int

const (
	// RealTime paces ticks against the wall clock.
	RealTime Mode = iota
	// Accelerated runs ticks back to back without sleeping. Simulated
	// deltas are unchanged; only the pacing differs.
	Accelerated
)

// Pacer converts a configured tick interval and time-warp factor into
// real sleep intervals and simulated-time deltas. Scheduling is
// drift-free: each deadline advances by the tick interval, so a slow
// tick shortens the following sleep instead of shifting the cadence.
type Pacer struct {
	Interval time.Duration
	Mode     Mode

	mu      sync.RWMutex
	warp    float64
	simTime float64

	// onLag, when set, is invoked with the overrun whenever a tick
	// misses its deadline. The pacer never accumulates sleep debt; it
	// re-anchors on the wall clock after a lagging tick.
	onLag func(behind time.Duration)
}

// NewPacer constructs a pacer. Interval and warp must already be
// validated (> 0) by configuration.
func NewPacer(interval time.Duration, warp float64, mode Mode) *Pacer {
	return &Pacer{
		Interval: interval,
		warp:     warp,
		Mode:     mode,
	}
}

// Warp returns the current time-warp factor.
func (p *Pacer) Warp() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.warp
}

// SetWarp changes the time-warp factor for subsequent ticks. Safe to
// call while Run is ticking; the change takes effect at the next tick.
func (p *Pacer) SetWarp(warp float64) error {
	if warp <= 0 {
		return fmt.Errorf("timectrl: time warp factor must be > 0, got %v", warp)
	}
	p.mu.Lock()
	p.warp = warp
	p.mu.Unlock()
	return nil
}

// OnLag registers a callback for ticks that overrun their interval.
// Must be called before Run.
func (p *Pacer) OnLag(fn func(behind time.Duration)) {
	p.onLag = fn
}

// SimTime returns the current simulation time in seconds since epoch.
// Implements SimClock.
func (p *Pacer) SimTime() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.simTime
}

// SimDelta returns the simulated seconds one tick advances.
func (p *Pacer) SimDelta() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Interval.Seconds() * p.warp
}

// Run invokes fn once per tick until ctx is cancelled. Cancellation is
// observed between ticks only: an in-flight fn always completes, so the
// final tick commits before Run returns.
func (p *Pacer) Run(ctx context.Context, fn func(simDelta float64)) {
	next := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delta := p.SimDelta()
		fn(delta)

		p.mu.Lock()
		p.simTime += delta
		p.mu.Unlock()

		if p.Mode == Accelerated {
			continue
		}

		next = next.Add(p.Interval)
		sleep := time.Until(next)
		if sleep < 0 {
			if p.onLag != nil {
				p.onLag(-sleep)
			}
			next = time.Now()
			continue
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
