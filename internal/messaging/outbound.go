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
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OutboundConfig tunes one peer's connection: dial timeout, write queue
// depth, and an optional soft throughput cap.
type OutboundConfig struct {
	DialTimeout   time.Duration
	QueueSize     int
	RateLimit     rate.Limit // 0 means unlimited
	TLSConfig     *tls.Config
	DropThreshold time.Duration // age at which a droppable verb is discarded
	Metrics       *Metrics
	DropCounters  *DroppedMessageCounters
}

func (c OutboundConfig) withDefaults() OutboundConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.DropThreshold <= 0 {
		c.DropThreshold = 2 * time.Second
	}
	return c
}

// OutboundConnection is the per-peer send path: one write queue, one
// dedicated writer goroutine, lazy connect on first enqueue. Concurrent
// first-senders converge on a single dial via the generation-scoped
// sync.Once in connectOnce.
type OutboundConnection struct {
	endpoint Endpoint
	cfg      OutboundConfig
	logger   *zap.Logger
	counters *peerCounters

	mu       sync.Mutex
	conn     net.Conn
	writer   *bufio.Writer
	epoch    uint64 // bumped on every reset; guards stale dial completions
	connectO *sync.Once

	queue  chan MessageOut
	limit  *rate.Limiter
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// peerCounters tracks per-connection dropped/timeout/sent counts surfaced
// through metrics.go and this connection's management-surface accessors.
type peerCounters struct {
	sent    atomic.Uint64
	dropped atomic.Uint64
	timeout atomic.Uint64
}

// IncrementTimeout bumps this peer's timeout counter. Called by the hub's
// TimeoutReporter once per evicted callback targeting this peer.
func (oc *OutboundConnection) IncrementTimeout() {
	oc.counters.timeout.Add(1)
}

// PendingMessages returns the number of messages queued for delivery but
// not yet handed off by the writer goroutine.
func (oc *OutboundConnection) PendingMessages() int {
	return len(oc.queue)
}

// CompletedMessages returns the number of messages this connection has
// written to the wire.
func (oc *OutboundConnection) CompletedMessages() uint64 {
	return oc.counters.sent.Load()
}

// Timeouts returns the number of timeouts reported against this peer.
func (oc *OutboundConnection) Timeouts() uint64 {
	return oc.counters.timeout.Load()
}

// NewOutboundConnection constructs a connection in the not-yet-dialed
// state; the first enqueue triggers the dial.
func NewOutboundConnection(endpoint Endpoint, cfg OutboundConfig, logger *zap.Logger) *OutboundConnection {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	oc := &OutboundConnection{
		endpoint: endpoint,
		cfg:      cfg,
		logger:   logger,
		counters: &peerCounters{},
		connectO: &sync.Once{},
		queue:    make(chan MessageOut, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		oc.limit = rate.NewLimiter(cfg.RateLimit, 1)
	}
	oc.wg.Add(1)
	go oc.writeLoop()
	return oc
}

// enqueue queues msg for delivery. It never blocks on the network: a full
// queue is itself treated as backlog and the droppable-verb policy in
// writeLoop is what actually discards messages, not enqueue itself.
func (oc *OutboundConnection) enqueue(msg MessageOut) error {
	if oc.closed.Load() {
		return ErrShuttingDown
	}
	select {
	case oc.queue <- msg:
		return nil
	case <-oc.done:
		return ErrShuttingDown
	}
}

// writeLoop is the single writer goroutine for this peer: it serializes
// every write, guaranteeing per-peer FIFO delivery order.
func (oc *OutboundConnection) writeLoop() {
	defer oc.wg.Done()
	for {
		select {
		case <-oc.done:
			return
		case msg, ok := <-oc.queue:
			if !ok {
				return
			}
			oc.handleOne(msg)
		}
	}
}

// handleOne applies the drop policy, connects lazily if needed, and
// writes one frame.
func (oc *OutboundConnection) handleOne(msg MessageOut) {
	if msg.Verb.IsDroppable() && time.Since(msg.Created) > oc.cfg.DropThreshold {
		oc.counters.dropped.Add(1)
		if oc.cfg.Metrics != nil {
			oc.cfg.Metrics.ObserveDropped(msg.Verb)
		}
		if oc.cfg.DropCounters != nil {
			oc.cfg.DropCounters.increment(msg.Verb)
		}
		oc.logger.Debug("dropping aged message",
			zap.String("endpoint", string(oc.endpoint)),
			zap.String("verb", msg.Verb.String()),
			zap.Duration("age", time.Since(msg.Created)))
		return
	}
	writer, err := oc.ensureConnected()
	if err != nil {
		oc.logger.Warn("outbound connect failed", zap.String("endpoint", string(oc.endpoint)), zap.Error(err))
		return
	}
	if oc.limit != nil {
		_ = oc.limit.Wait(context.Background())
	}
	payload, err := msg.Payload.MarshalPayload()
	if err != nil {
		oc.logger.Error("payload marshal failed", zap.String("endpoint", string(oc.endpoint)), zap.String("verb", msg.Verb.String()), zap.Error(err))
		return
	}
	wm := wireMessage{
		ID:        msg.ID,
		Timestamp: uint32(time.Now().UnixMilli()),
		Verb:      msg.Verb,
		Payload:   payload,
	}
	for k, v := range msg.Params {
		wm.Params = append(wm.Params, wireParam{Key: k, Value: v})
	}
	if err := writeMessage(writer, wm); err != nil {
		oc.logger.Warn("outbound write failed, resetting connection", zap.String("endpoint", string(oc.endpoint)), zap.Error(err))
		oc.reset()
		return
	}
	oc.counters.sent.Add(1)
	if oc.cfg.Metrics != nil {
		oc.cfg.Metrics.ObserveSent(msg.Verb)
	}
}

// ensureConnected dials at most once per epoch. Concurrent callers within
// the same epoch block on the same sync.Once; a reset bumps the epoch and
// installs a fresh Once so a subsequent send redials. A failed dial also
// installs a fresh Once, so the next send retries, and a dial that
// completes after a reset is closed instead of installed.
func (oc *OutboundConnection) ensureConnected() (*bufio.Writer, error) {
	oc.mu.Lock()
	once := oc.connectO
	epoch := oc.epoch
	oc.mu.Unlock()

	var dialErr error
	once.Do(func() {
		failpoint.Inject("outboundDialTimeout", func() {
			dialErr = errors.Trace(ErrConnectTimeout)
		})
		if dialErr != nil {
			return
		}
		conn, err := net.DialTimeout("tcp", string(oc.endpoint), oc.cfg.DialTimeout)
		if err != nil {
			dialErr = errors.Trace(ErrConnectTimeout)
			return
		}
		if oc.cfg.TLSConfig != nil {
			conn = tls.Client(conn, oc.cfg.TLSConfig)
		}
		w := bufio.NewWriter(conn)
		if err := writeFrameHeader(w, CurrentVersion); err != nil {
			_ = conn.Close()
			dialErr = err
			return
		}
		if err := w.Flush(); err != nil {
			_ = conn.Close()
			dialErr = err
			return
		}
		oc.mu.Lock()
		if oc.epoch != epoch {
			oc.mu.Unlock()
			_ = conn.Close()
			dialErr = errors.Trace(ErrConnectTimeout)
			return
		}
		oc.conn = conn
		oc.writer = w
		oc.mu.Unlock()
	})

	oc.mu.Lock()
	defer oc.mu.Unlock()
	if dialErr == nil && oc.writer == nil {
		dialErr = errors.Trace(ErrConnectTimeout)
	}
	if dialErr != nil {
		if oc.connectO == once {
			oc.connectO = &sync.Once{}
		}
		return nil, dialErr
	}
	return oc.writer, nil
}

// reset tears down the current socket and advances the epoch so the next
// send redials. Safe to call from the write loop or from Convict.
func (oc *OutboundConnection) reset() {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if oc.conn != nil {
		_ = oc.conn.Close()
		oc.conn = nil
		oc.writer = nil
	}
	oc.epoch++
	oc.connectO = &sync.Once{}
}

// resetTo tears down the current socket and retargets future dials at a
// new network address while keeping this connection's table key (its
// Endpoint) unchanged, so callers keep addressing the peer by its
// original identity even after its network address changes.
func (oc *OutboundConnection) resetTo(newAddr string) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if oc.conn != nil {
		_ = oc.conn.Close()
		oc.conn = nil
		oc.writer = nil
	}
	oc.epoch++
	oc.connectO = &sync.Once{}
	oc.endpoint = Endpoint(newAddr)
}

// close stops the writer goroutine permanently and closes the socket.
// Messages still in the queue are not sent.
func (oc *OutboundConnection) close() {
	if !oc.closed.CompareAndSwap(false, true) {
		return
	}
	close(oc.done)
	oc.wg.Wait()
	oc.mu.Lock()
	if oc.conn != nil {
		_ = oc.conn.Close()
	}
	oc.mu.Unlock()
}
