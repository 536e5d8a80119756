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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestCallbackRegistry_PutRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	r := NewCallbackRegistry(nil, nil)
	defer r.shutdownBlocking()

	require.NoError(t, r.put(1, CallbackInfo{Target: "peer:1"}, time.Minute))
	err := r.put(1, CallbackInfo{Target: "peer:1"}, time.Minute)
	require.ErrorIs(t, err, ErrDuplicateCallback)
}

func TestCallbackRegistry_RemoveTakesEntryOnce(t *testing.T) {
	t.Parallel()
	r := NewCallbackRegistry(nil, nil)
	defer r.shutdownBlocking()

	require.NoError(t, r.put(1, CallbackInfo{Target: "peer:1"}, time.Minute))
	_, ok := r.remove(1)
	require.True(t, ok)
	_, ok = r.remove(1)
	require.False(t, ok)
}

func TestCallbackRegistry_GetPeeksWithoutRemoving(t *testing.T) {
	t.Parallel()
	r := NewCallbackRegistry(nil, nil)
	defer r.shutdownBlocking()

	require.NoError(t, r.put(1, CallbackInfo{Target: "peer:1"}, time.Minute))
	_, ok := r.get(1)
	require.True(t, ok)
	_, ok = r.get(1)
	require.True(t, ok, "get must not consume the entry")
}

func TestCallbackRegistry_EchoProbeReturnsToPriorSize(t *testing.T) {
	t.Parallel()
	r := NewCallbackRegistry(nil, nil)
	defer r.shutdownBlocking()

	require.Equal(t, 0, r.Len())
	require.NoError(t, r.put(1, CallbackInfo{Target: "peer:1"}, time.Minute))
	require.Equal(t, 1, r.Len())
	_, ok := r.remove(1)
	require.True(t, ok)
	require.Equal(t, 0, r.Len())
}

func TestCallbackRegistry_SweepReportsTimeoutExactlyOnce(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	reporter := TimeoutReporterFunc(func(id uint32, _ CallbackInfo, _ time.Duration) {
		calls.Add(1)
	})
	r := NewCallbackRegistry(reporter, nil)
	defer r.shutdownBlocking()

	require.NoError(t, r.put(1, CallbackInfo{Target: "peer:1"}, 10*time.Millisecond))
	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// A late remove against an already-evicted entry must be a no-op, not a
	// second report.
	_, ok := r.remove(1)
	require.False(t, ok)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestCallbackRegistry_RemoveBeforeExpiryPreventsTimeout(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	reporter := TimeoutReporterFunc(func(uint32, CallbackInfo, time.Duration) {
		calls.Add(1)
	})
	r := NewCallbackRegistry(reporter, nil)
	defer r.shutdownBlocking()

	require.NoError(t, r.put(1, CallbackInfo{Target: "peer:1"}, 50*time.Millisecond))
	_, ok := r.remove(1)
	require.True(t, ok)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(0), calls.Load())
}

func TestCallbackRegistry_ShutdownDrainsRemainingWithoutWaitingOutTTL(t *testing.T) {
	t.Parallel()
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	reporter := TimeoutReporterFunc(func(uint32, CallbackInfo, time.Duration) {
		calls.Add(1)
	})
	r := NewCallbackRegistry(reporter, nil)
	require.NoError(t, r.put(1, CallbackInfo{Target: "peer:1"}, time.Hour))

	done := make(chan struct{})
	go func() {
		r.shutdownBlocking()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdownBlocking did not return promptly")
	}
	require.Equal(t, int32(1), calls.Load())
}

func TestCallbackRegistry_PutAfterShutdownIsRejected(t *testing.T) {
	t.Parallel()
	r := NewCallbackRegistry(nil, nil)
	r.shutdownBlocking()

	err := r.put(1, CallbackInfo{Target: "peer:1"}, time.Minute)
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestCallbackRegistry_ResetDropsEntriesWithoutReporting(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	reporter := TimeoutReporterFunc(func(uint32, CallbackInfo, time.Duration) {
		calls.Add(1)
	})
	r := NewCallbackRegistry(reporter, nil)
	defer r.shutdownBlocking()

	require.NoError(t, r.put(1, CallbackInfo{Target: "peer:1"}, time.Minute))
	r.reset()
	require.Equal(t, 0, r.Len())
	require.Equal(t, int32(0), calls.Load())
}

func TestCallbackRegistry_ConcurrentPutsAreAtMostOnceEach(t *testing.T) {
	t.Parallel()
	r := NewCallbackRegistry(nil, nil)
	defer r.shutdownBlocking()

	const n = 200
	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(2)
		id := uint32(i + 1)
		for j := 0; j < 2; j++ {
			go func() {
				defer wg.Done()
				if r.put(id, CallbackInfo{Target: "peer:1"}, time.Minute) == nil {
					succeeded.Add(1)
				}
			}()
		}
	}
	wg.Wait()
	require.Equal(t, int32(n), succeeded.Load())
}
