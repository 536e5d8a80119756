// SPDX-License-Identifier: AGPL-3.0-or-later
// meshring - inter-node messaging fabric for clustered storage engines
// Copyright (C) 2026 The meshring Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/coredb-io/meshring>

package messaging

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// registryEntry is what the registry stores per live callback id.
type registryEntry struct {
	info     CallbackInfo
	expireAt time.Time
	insertAt time.Time
}

// TimeoutReporter is invoked exactly once per evicted entry, in this
// order: record latency for opted-in snitch subscribers, bump the global
// timeout counter, bump the destination peer's per-connection timeout
// counter, and, if the entry is failure-aware, submit OnFailure to the
// internal-response stage.
type TimeoutReporter interface {
	ReportTimeout(id uint32, entry CallbackInfo, elapsed time.Duration)
}

// TimeoutReporterFunc adapts a function to TimeoutReporter.
type TimeoutReporterFunc func(id uint32, entry CallbackInfo, elapsed time.Duration)

func (f TimeoutReporterFunc) ReportTimeout(id uint32, entry CallbackInfo, elapsed time.Duration) {
	f(id, entry, elapsed)
}

// minSweepGranularity and maxSweepGranularity clamp the sweeper's tick
// interval regardless of the registered TTLs, so a single very short or
// very long TTL can't starve or busy-loop the sweeper.
const (
	minSweepGranularity = 5 * time.Millisecond
	maxSweepGranularity = time.Second
)

// CallbackRegistry is the expiring map of in-flight request ids to their
// CallbackInfo. put fails loudly if the id is already live; get peeks;
// remove takes; a background sweeper evicts entries past their TTL and
// invokes the TimeoutReporter for each.
//
// Concurrency: the map itself is lock-free (xsync.Map); one sweeper
// goroutine owns eviction. shutdownBlocking stops accepting new entries,
// evicts every remaining entry as a timeout, and waits for that to finish.
type CallbackRegistry struct {
	entries  *xsync.Map[uint32, *registryEntry]
	reporter TimeoutReporter
	logger   *zap.Logger

	mu          sync.Mutex
	closed      bool
	closeCh     chan struct{}
	sweeperDone chan struct{}
	sweepOnce   sync.Once

	drainCh chan struct{}
}

// NewCallbackRegistry constructs a registry and starts its sweeper. Pass a
// nil reporter to discard timeout notifications (used by reset() callers
// in tests that want no side effects).
func NewCallbackRegistry(reporter TimeoutReporter, logger *zap.Logger) *CallbackRegistry {
	if reporter == nil {
		reporter = TimeoutReporterFunc(func(uint32, CallbackInfo, time.Duration) {})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &CallbackRegistry{
		entries:     xsync.NewMap[uint32, *registryEntry](),
		reporter:    reporter,
		logger:      logger,
		closeCh:     make(chan struct{}),
		sweeperDone: make(chan struct{}),
	}
	go r.sweep()
	return r
}

// put installs info under id with the given TTL. It returns
// ErrDuplicateCallback if id is already live, matching the hub's
// at-most-once id allocation invariant.
func (r *CallbackRegistry) put(id uint32, info CallbackInfo, ttl time.Duration) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrShuttingDown
	}
	now := time.Now()
	entry := &registryEntry{info: info, insertAt: now, expireAt: now.Add(ttl)}
	_, loaded := r.entries.LoadOrStore(id, entry)
	if loaded {
		return ErrDuplicateCallback
	}
	return nil
}

// get peeks at the live entry for id without removing it.
func (r *CallbackRegistry) get(id uint32) (CallbackInfo, bool) {
	e, ok := r.entries.Load(id)
	if !ok {
		return CallbackInfo{}, false
	}
	return e.info, true
}

// remove takes the live entry for id, if any. Callers use this when a
// reply for id has arrived, so the sweeper never also reports a timeout
// for the same id.
func (r *CallbackRegistry) remove(id uint32) (CallbackInfo, bool) {
	e, ok := r.entries.LoadAndDelete(id)
	if !ok {
		return CallbackInfo{}, false
	}
	return e.info, true
}

// getAge returns how long id has been registered, or false if it is not
// live.
func (r *CallbackRegistry) getAge(id uint32) (time.Duration, bool) {
	e, ok := r.entries.Load(id)
	if !ok {
		return 0, false
	}
	return time.Since(e.insertAt), true
}

// Len reports the number of currently live callbacks. Exposed for tests
// that assert the registry returns to its prior size after an echo probe
// round-trips.
func (r *CallbackRegistry) Len() int {
	return r.entries.Size()
}

// reset drops every live entry without invoking the timeout reporter. It
// exists purely as a test hook.
func (r *CallbackRegistry) reset() {
	r.entries.Clear()
}

// sweep runs at a fixed granularity derived from the smallest active TTL,
// clamped to [minSweepGranularity, maxSweepGranularity], evicting expired
// entries in one pass per tick and reporting each exactly once.
func (r *CallbackRegistry) sweep() {
	defer close(r.sweeperDone)
	ticker := time.NewTicker(minSweepGranularity)
	defer ticker.Stop()
	for {
		select {
		case <-r.closeCh:
			r.drainRemaining()
			return
		case <-ticker.C:
			granularity := r.nextGranularity()
			ticker.Reset(granularity)
			r.evictExpired()
		}
	}
}

// nextGranularity inspects the live set for its smallest remaining TTL and
// returns half of it, clamped to the configured bounds.
func (r *CallbackRegistry) nextGranularity() time.Duration {
	now := time.Now()
	smallest := maxSweepGranularity
	r.entries.Range(func(_ uint32, e *registryEntry) bool {
		remaining := e.expireAt.Sub(now)
		if remaining < smallest {
			smallest = remaining
		}
		return true
	})
	g := smallest / 2
	if g < minSweepGranularity {
		g = minSweepGranularity
	}
	if g > maxSweepGranularity {
		g = maxSweepGranularity
	}
	return g
}

// evictExpired removes every entry past its expireAt and reports a
// timeout for each, in registry-order (no cross-entry ordering guarantee
// beyond "each reported exactly once").
func (r *CallbackRegistry) evictExpired() {
	now := time.Now()
	var expired []struct {
		id    uint32
		entry *registryEntry
	}
	r.entries.Range(func(id uint32, e *registryEntry) bool {
		if now.After(e.expireAt) {
			expired = append(expired, struct {
				id    uint32
				entry *registryEntry
			}{id, e})
		}
		return true
	})
	for _, x := range expired {
		if _, ok := r.entries.LoadAndDelete(x.id); ok {
			r.reporter.ReportTimeout(x.id, x.entry.info, now.Sub(x.entry.insertAt))
		}
	}
}

// shutdownBlocking stops accepting new puts and blocks until the sweeper
// has exited. On exit the sweeper evicts every entry still live and
// reports each as a timeout (see drainRemaining), without waiting for its
// TTL to elapse.
func (r *CallbackRegistry) shutdownBlocking() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.sweepOnce.Do(func() { close(r.closeCh) })
	<-r.sweeperDone
}

// drainRemaining evicts and reports every entry still present at shutdown
// time, regardless of whether its TTL has actually elapsed, so
// shutdownBlocking can return promptly instead of waiting out every TTL.
func (r *CallbackRegistry) drainRemaining() {
	now := time.Now()
	if n := r.entries.Size(); n > 0 {
		r.logger.Debug("draining live callbacks at shutdown", zap.Int("count", n))
	}
	var remaining []struct {
		id    uint32
		entry *registryEntry
	}
	r.entries.Range(func(id uint32, e *registryEntry) bool {
		remaining = append(remaining, struct {
			id    uint32
			entry *registryEntry
		}{id, e})
		return true
	})
	for _, x := range remaining {
		if _, ok := r.entries.LoadAndDelete(x.id); ok {
			r.reporter.ReportTimeout(x.id, x.entry.info, now.Sub(x.entry.insertAt))
		}
	}
}
