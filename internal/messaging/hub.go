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

// Package messaging implements the inter-node messaging fabric: verb
// dispatch, per-peer connection multiplexing, an expiring callback
// registry, and a stage-based worker dispatcher.
package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// PeerVersionTable tracks the negotiated protocol version per endpoint,
// learned from the connection header the peer sends.
type PeerVersionTable struct {
	versions *xsync.Map[Endpoint, int]
}

func newPeerVersionTable() *PeerVersionTable {
	return &PeerVersionTable{versions: xsync.NewMap[Endpoint, int]()}
}

func (t *PeerVersionTable) set(ep Endpoint, version int) {
	t.versions.Store(ep, version)
}

// Get returns the last known protocol version for ep, or ok=false if this
// node has never received a header from it.
func (t *PeerVersionTable) Get(ep Endpoint) (int, bool) {
	return t.versions.Load(ep)
}

func (t *PeerVersionTable) forget(ep Endpoint) {
	t.versions.Delete(ep)
}

// DroppedMessageCounters tallies droppable-verb discards, keyed by verb,
// for the metrics endpoint.
type DroppedMessageCounters struct {
	counts *xsync.Map[Verb, *atomic.Uint64]
}

func newDroppedMessageCounters() *DroppedMessageCounters {
	return &DroppedMessageCounters{counts: xsync.NewMap[Verb, *atomic.Uint64]()}
}

func (d *DroppedMessageCounters) increment(v Verb) {
	counter, loaded := d.counts.Load(v)
	if !loaded {
		counter, _ = d.counts.LoadOrStore(v, &atomic.Uint64{})
	}
	counter.Add(1)
}

// Snapshot returns the current dropped-message count per verb.
func (d *DroppedMessageCounters) Snapshot() map[Verb]uint64 {
	out := make(map[Verb]uint64)
	d.counts.Range(func(v Verb, c *atomic.Uint64) bool {
		out[v] = c.Load()
		return true
	})
	return out
}

// timeoutCounters tallies registry timeouts both globally and per
// destination peer, backing GetTotalTimeouts and GetTimeoutsPerHost.
type timeoutCounters struct {
	total   atomic.Uint64
	perHost *xsync.Map[Endpoint, *atomic.Uint64]
}

func newTimeoutCounters() *timeoutCounters {
	return &timeoutCounters{perHost: xsync.NewMap[Endpoint, *atomic.Uint64]()}
}

func (c *timeoutCounters) increment(ep Endpoint) {
	c.total.Add(1)
	counter, loaded := c.perHost.Load(ep)
	if !loaded {
		counter, _ = c.perHost.LoadOrStore(ep, &atomic.Uint64{})
	}
	counter.Add(1)
}

// HubConfig is the Hub's runtime configuration, independent of the CLI
// config loader in internal/config so the package stays embeddable.
type HubConfig struct {
	Outbound    OutboundConfig
	Stages      map[Stage]StageConfig
	CallbackTTL time.Duration
}

func (c HubConfig) withDefaults() HubConfig {
	if c.CallbackTTL <= 0 {
		c.CallbackTTL = 10 * time.Second
	}
	return c
}

// Hub is the messaging subsystem's facade: verb handler registration,
// one-way sends, request/response sends, and lifecycle control. It is
// constructed once per node and passed by reference to its collaborators
// (the listener, the membership subscriber) — there is no package-level
// singleton.
type Hub struct {
	cfg    HubConfig
	logger *zap.Logger

	handlers   *xsync.Map[Verb, VerbHandler]
	dispatcher *stageDispatcher
	registry   *CallbackRegistry
	outbound   *xsync.Map[Endpoint, *OutboundConnection]
	versions   *PeerVersionTable
	dropped    *DroppedMessageCounters
	timeouts   *timeoutCounters
	metrics    *Metrics

	nextID atomic.Uint32

	mu       sync.Mutex
	shutdown bool
}

// NewHub constructs a Hub. metrics may be nil, in which case counters are
// tracked in-process but never exported.
func NewHub(cfg HubConfig, logger *zap.Logger, metrics *Metrics) *Hub {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	dropped := newDroppedMessageCounters()
	cfg.Outbound.Metrics = metrics
	cfg.Outbound.DropCounters = dropped
	h := &Hub{
		cfg:      cfg,
		logger:   logger,
		handlers: xsync.NewMap[Verb, VerbHandler](),
		outbound: xsync.NewMap[Endpoint, *OutboundConnection](),
		versions: newPeerVersionTable(),
		dropped:  dropped,
		timeouts: newTimeoutCounters(),
		metrics:  metrics,
	}
	h.dispatcher = newStageDispatcher(cfg.Stages, logger)
	h.registry = NewCallbackRegistry(TimeoutReporterFunc(h.reportTimeout), logger)
	return h
}

// RegisterVerbHandler installs handler for verb. It is an error — not a
// panic — to register the same verb twice; the CLI bootstrap treats that
// error as a fatal startup misconfiguration.
func (h *Hub) RegisterVerbHandler(verb Verb, handler VerbHandler) error {
	_, loaded := h.handlers.LoadOrStore(verb, handler)
	if loaded {
		return ErrDuplicateVerb
	}
	return nil
}

// peerVersions implements inboundDispatcher.
func (h *Hub) peerVersions() *PeerVersionTable { return h.versions }

// connectionFor returns the OutboundConnection for ep, creating one
// lazily if this is the first send to it. A race between two first-
// senders is resolved by LoadOrStore: the loser's freshly built
// connection is closed immediately since nothing has enqueued to it yet.
func (h *Hub) connectionFor(ep Endpoint) *OutboundConnection {
	if conn, ok := h.outbound.Load(ep); ok {
		return conn
	}
	candidate := NewOutboundConnection(ep, h.cfg.Outbound, h.logger)
	conn, loaded := h.outbound.LoadOrStore(ep, candidate)
	if loaded {
		candidate.close()
	}
	return conn
}

// allocateID returns the next message id. IDs are unique only for as long
// as a callback might reference them; wraparound after 2^32 sends is
// acceptable because the registry rejects a collision loudly (put returns
// ErrDuplicateCallback) rather than silently overwriting a live entry.
func (h *Hub) allocateID() uint32 {
	return h.nextID.Add(1)
}

// SendOneWay enqueues payload for delivery to target under verb, with
// no reply expected. It returns once the message is queued, not once it
// is on the wire.
func (h *Hub) SendOneWay(target Endpoint, verb Verb, payload Serializable, params Params) error {
	h.mu.Lock()
	shuttingDown := h.shutdown
	h.mu.Unlock()
	if shuttingDown {
		return ErrShuttingDown
	}
	id := h.allocateID()
	msg := MessageOut{ID: id, Verb: verb, Params: params, Payload: payload, Created: time.Now()}
	return h.connectionFor(target).enqueue(msg)
}

// SendRR sends a request to target under verb and arranges for onResponse
// to be invoked on the REQUEST_RESPONSE stage when a reply for this id
// arrives, or onFailure if it times out or a failure notification arrives
// first. ctx only cancels the local registration step; it never cancels
// in-flight network I/O.
func (h *Hub) SendRR(ctx context.Context, target Endpoint, verb Verb, payload Serializable, decode Deserializer, onResponse func(Endpoint, any), onFailure func(Endpoint)) (uint32, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	h.mu.Lock()
	shuttingDown := h.shutdown
	h.mu.Unlock()
	if shuttingDown {
		return 0, ErrShuttingDown
	}
	id := h.allocateID()
	info := CallbackInfo{
		Target:       target,
		Decode:       decode,
		OnResponse:   onResponse,
		OnFailure:    onFailure,
		FailureAware: onFailure != nil,
	}
	if err := h.registry.put(id, info, h.cfg.CallbackTTL); err != nil {
		return 0, err
	}
	params := Params{}
	if onFailure != nil {
		params[paramFailureCallback] = []byte{1}
	}
	msg := MessageOut{ID: id, Verb: verb, Params: params, Payload: payload, Created: time.Now()}
	if err := h.connectionFor(target).enqueue(msg); err != nil {
		h.registry.remove(id)
		return 0, err
	}
	return id, nil
}

// SendReply sends payload back to target tagged with the original
// request's id, under verb. Callers pass REQUEST_RESPONSE or
// INTERNAL_RESPONSE so the requester resolves the reply through its
// callback registry.
func (h *Hub) SendReply(target Endpoint, id uint32, verb Verb, payload Serializable) error {
	msg := MessageOut{ID: id, Verb: verb, Payload: payload, Created: time.Now()}
	return h.connectionFor(target).enqueue(msg)
}

// GetVersion returns the last negotiated protocol version for ep.
func (h *Hub) GetVersion(ep Endpoint) (int, bool) {
	return h.versions.Get(ep)
}

// SetPeerVersion records the protocol version membership has learned for
// ep, independent of any connection header exchange. The membership
// subscriber calls this on OnUpdate so GetVersion stays current even for
// peers this node has not yet dialed or accepted a connection from.
func (h *Hub) SetPeerVersion(ep Endpoint, version int) {
	h.versions.set(ep, version)
}

// GetPendingMessages returns the number of messages currently queued for
// delivery to ep but not yet handed to its writer goroutine. Returns
// ErrUnknownPeer if no outbound connection has ever been created for ep.
func (h *Hub) GetPendingMessages(ep Endpoint) (int, error) {
	conn, ok := h.outbound.Load(ep)
	if !ok {
		return 0, ErrUnknownPeer
	}
	return conn.PendingMessages(), nil
}

// GetCompletedMessages returns the number of messages successfully written
// to the wire for ep. Returns ErrUnknownPeer if no outbound connection has
// ever been created for ep.
func (h *Hub) GetCompletedMessages(ep Endpoint) (uint64, error) {
	conn, ok := h.outbound.Load(ep)
	if !ok {
		return 0, ErrUnknownPeer
	}
	return conn.CompletedMessages(), nil
}

// GetPeerTimeouts returns the number of registry timeouts attributed to ep.
// Returns ErrUnknownPeer if no outbound connection has ever been created
// for ep.
func (h *Hub) GetPeerTimeouts(ep Endpoint) (uint64, error) {
	conn, ok := h.outbound.Load(ep)
	if !ok {
		return 0, ErrUnknownPeer
	}
	return conn.Timeouts(), nil
}

// GetTotalTimeouts returns the number of callback timeouts reported across
// every peer since this Hub was constructed.
func (h *Hub) GetTotalTimeouts() uint64 {
	return h.timeouts.total.Load()
}

// GetTimeoutsPerHost returns the number of callback timeouts reported per
// destination peer since this Hub was constructed.
func (h *Hub) GetTimeoutsPerHost() map[Endpoint]uint64 {
	out := make(map[Endpoint]uint64)
	h.timeouts.perHost.Range(func(ep Endpoint, c *atomic.Uint64) bool {
		out[ep] = c.Load()
		return true
	})
	return out
}

// GetDroppedCounts returns the number of droppable-verb discards per verb
// since this Hub was constructed.
func (h *Hub) GetDroppedCounts() map[Verb]uint64 {
	return h.dropped.Snapshot()
}

// GetCallbackAge returns how long id has been awaiting a reply. Returns
// ErrCallbackNotFound if id has no live callback (it already resolved,
// timed out, or was never registered).
func (h *Hub) GetCallbackAge(id uint32) (time.Duration, error) {
	age, ok := h.registry.getAge(id)
	if !ok {
		return 0, ErrCallbackNotFound
	}
	return age, nil
}

// Convict resets the outbound connection to ep and drops its cached
// version, forcing the next send to redial and renegotiate. Used when
// membership reports a peer as down.
func (h *Hub) Convict(ep Endpoint) {
	if conn, ok := h.outbound.Load(ep); ok {
		conn.reset()
	}
	h.versions.forget(ep)
}

// Reconnect retargets ep's outbound connection at a new network address
// without changing the table key, so callers keep addressing the peer
// by its original identity even after its network address changes.
func (h *Hub) Reconnect(ep Endpoint, newAddr string) {
	if conn, ok := h.outbound.Load(ep); ok {
		conn.resetTo(newAddr)
	}
}

// dispatchInbound resolves wm's handler (static or callback-driven),
// decodes the payload, and submits it to the appropriate stage. It never
// blocks the calling reader goroutine beyond the stage's non-blocking
// submit.
func (h *Hub) dispatchInbound(from Endpoint, wm wireMessage) {
	params := paramsFromWire(wm.Params)

	if params.IsFailureNotification() {
		h.handleFailureNotification(from, wm.ID)
		return
	}

	if wm.Verb.hasDynamicPayload() {
		h.dispatchCallbackDriven(from, wm, params)
		return
	}

	decode, ok := staticDeserializers[wm.Verb]
	if !ok {
		h.logger.Warn("no deserializer for verb", zap.String("verb", wm.Verb.String()), zap.String("from", string(from)))
		return
	}
	handler, ok := h.handlers.Load(wm.Verb)
	if !ok {
		h.logger.Debug("no handler registered for verb", zap.String("verb", wm.Verb.String()), zap.String("from", string(from)))
		return
	}
	stage := StageFor(wm.Verb)
	id, verb, payloadBytes := wm.ID, wm.Verb, wm.Payload
	receivedAt := time.Now()
	version, _ := h.versions.Get(from)
	submitted := h.dispatcher.submit(stage, func() {
		payload, err := decode(payloadBytes)
		if err != nil {
			h.logger.Error("payload decode failed", zap.String("verb", verb.String()), zap.Error(err))
			return
		}
		handler(MessageIn{
			From:            from,
			ID:              id,
			Verb:            verb,
			Params:          params,
			Payload:         payload,
			ProtocolVersion: version,
			ReceivedAt:      receivedAt,
		})
	})
	if !submitted {
		h.logger.Warn("stage queue full, dropping inbound message", zap.String("stage", stage.String()), zap.String("verb", wm.Verb.String()))
	}
}

// dispatchCallbackDriven handles REQUEST_RESPONSE / INTERNAL_RESPONSE
// frames, whose payload type is recovered from the CallbackInfo
// registered when the original request was sent.
func (h *Hub) dispatchCallbackDriven(from Endpoint, wm wireMessage, params Params) {
	info, ok := h.registry.remove(wm.ID)
	if !ok {
		// No live callback: the request already timed out, or this is an
		// unsolicited reply. Either way there is nothing to invoke.
		return
	}
	stage := StageFor(wm.Verb)
	payloadBytes := wm.Payload
	submitted := h.dispatcher.submit(stage, func() {
		var payload any
		var err error
		if info.Decode != nil {
			payload, err = info.Decode(payloadBytes)
		}
		if err != nil {
			h.logger.Error("callback payload decode failed", zap.String("verb", wm.Verb.String()), zap.Error(err))
			return
		}
		if info.OnResponse != nil {
			info.OnResponse(from, payload)
		}
	})
	if !submitted {
		h.logger.Warn("stage queue full, dropping callback response", zap.String("stage", stage.String()), zap.Uint32("id", wm.ID))
	}
	_ = params
}

// handleFailureNotification runs the registered OnFailure for id, if one
// is still live, on the internal-response stage.
func (h *Hub) handleFailureNotification(from Endpoint, id uint32) {
	info, ok := h.registry.remove(id)
	if !ok {
		return
	}
	if info.OnFailure == nil {
		return
	}
	h.dispatcher.submit(StageInternalResponse, func() {
		info.OnFailure(from)
	})
}

// reportTimeout is the CallbackRegistry's TimeoutReporter. It is invoked
// exactly once per evicted entry, in order: snitch latency (left to the
// metrics layer's histogram, if wired), the destination peer's
// per-connection timeout counter, and finally — for failure-aware
// entries only — submitting OnFailure to the internal-response stage.
func (h *Hub) reportTimeout(id uint32, info CallbackInfo, elapsed time.Duration) {
	if h.metrics != nil {
		h.metrics.ObserveTimeout(info.Target, elapsed)
	}
	if conn, ok := h.outbound.Load(info.Target); ok {
		conn.IncrementTimeout()
	}
	h.timeouts.increment(info.Target)
	if info.FailureAware && info.OnFailure != nil {
		h.dispatcher.submit(StageInternalResponse, func() {
			info.OnFailure(info.Target)
		})
	}
}

// paramsFromWire converts the wire-level key/value pairs into a Params
// map, preserving unknown keys unchanged.
func paramsFromWire(wp []wireParam) Params {
	p := make(Params, len(wp))
	for _, kv := range wp {
		p[kv.Key] = kv.Value
	}
	return p
}

// Shutdown stops accepting new sends, drains the callback registry, stops
// every stage pool, and closes every outbound connection. It blocks until
// all of that has completed.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return
	}
	h.shutdown = true
	h.mu.Unlock()

	h.registry.shutdownBlocking()
	h.dispatcher.stop(ctx)
	h.outbound.Range(func(_ Endpoint, conn *OutboundConnection) bool {
		conn.close()
		return true
	})
}
