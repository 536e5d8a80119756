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
	"context"
	"sync"

	"go.uber.org/zap"
)

// Stage is a named worker pool identity. Stages isolate work by class so
// that, for example, gossip traffic is never starved by request traffic.
type Stage int

const (
	StageRequestResponse Stage = iota
	StageInternalResponse
	StageGossip
	StageMigration
	StageMisc
	stageCount
)

func (s Stage) String() string {
	names := [...]string{"REQUEST_RESPONSE", "INTERNAL_RESPONSE", "GOSSIP", "MIGRATION", "MISC"}
	if int(s) < len(names) {
		return names[s]
	}
	return "STAGE_UNKNOWN"
}

// StageConfig sizes one stage's worker pool and task queue.
type StageConfig struct {
	Workers   int
	QueueSize int
}

// DefaultStageConfigs returns a reasonable default worker count and queue
// depth per stage. Gossip and request/response get more workers than the
// rarely-used migration and misc stages.
func DefaultStageConfigs() map[Stage]StageConfig {
	return map[Stage]StageConfig{
		StageRequestResponse:  {Workers: 8, QueueSize: 1024},
		StageInternalResponse: {Workers: 8, QueueSize: 1024},
		StageGossip:           {Workers: 4, QueueSize: 256},
		StageMigration:        {Workers: 2, QueueSize: 64},
		StageMisc:             {Workers: 2, QueueSize: 64},
	}
}

// stagePool is one worker pool: a bounded task queue drained by a fixed
// number of goroutines. Submitted tasks are opaque closures — the pool
// never inspects queue contents.
type stagePool struct {
	name    Stage
	tasks   chan func()
	logger  *zap.Logger
	wg      sync.WaitGroup
	closeCh chan struct{}
	once    sync.Once
}

func newStagePool(name Stage, cfg StageConfig, logger *zap.Logger) *stagePool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &stagePool{
		name:    name,
		tasks:   make(chan func(), cfg.QueueSize),
		logger:  logger,
		closeCh: make(chan struct{}),
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

func (p *stagePool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closeCh:
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runTask(task)
		}
	}
}

// runTask executes task with panic recovery: a handler failure is logged
// and never poisons the worker goroutine ("nothing
// inside the core throws across the stage boundary").
func (p *stagePool) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("stage handler panicked", zap.String("stage", p.name.String()), zap.Any("panic", r))
		}
	}()
	task()
}

// submit enqueues task without blocking. It returns false if the stage's
// queue is full or the stage has been stopped; the caller decides whether
// a full queue should count as a drop.
func (p *stagePool) submit(task func()) bool {
	select {
	case <-p.closeCh:
		return false
	default:
	}
	select {
	case p.tasks <- task:
		return true
	case <-p.closeCh:
		return false
	default:
		return false
	}
}

func (p *stagePool) stop() {
	p.once.Do(func() {
		close(p.closeCh)
	})
	p.wg.Wait()
}

// stageDispatcher owns one stagePool per Stage and is the sole mechanism
// the hub uses to run verb handlers off the inbound reader goroutine.
type stageDispatcher struct {
	pools map[Stage]*stagePool
}

func newStageDispatcher(cfgs map[Stage]StageConfig, logger *zap.Logger) *stageDispatcher {
	if cfgs == nil {
		cfgs = DefaultStageConfigs()
	}
	d := &stageDispatcher{pools: make(map[Stage]*stagePool, stageCount)}
	for s := Stage(0); s < stageCount; s++ {
		cfg := cfgs[s]
		d.pools[s] = newStagePool(s, cfg, logger)
	}
	return d
}

// submit schedules task on the pool for stage s. Returns false if the
// stage's queue was full (caller-visible backpressure signal).
func (d *stageDispatcher) submit(s Stage, task func()) bool {
	pool, ok := d.pools[s]
	if !ok {
		return false
	}
	return pool.submit(task)
}

func (d *stageDispatcher) stop(_ context.Context) {
	for _, pool := range d.pools {
		pool.stop()
	}
}
