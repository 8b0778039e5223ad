// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pgfleet/pgfleet/go/pgwire/session"
	"github.com/pgfleet/pgfleet/go/tools/fakepg"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPool(t *testing.T, size int) (*fakepg.Server, *Pool) {
	t.Helper()
	server := fakepg.New(t)
	host, port := server.HostPort()
	p, err := New(size, session.Config{
		Host:        host,
		Port:        port,
		User:        "tester",
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(p.Disconnect)
	return server, p
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewRejectsBadSize(t *testing.T) {
	_, err := New(0, session.Config{})
	assert.ErrorIs(t, err, ErrPoolSize)
	_, err = New(-3, session.Config{})
	assert.ErrorIs(t, err, ErrPoolSize)
}

func TestAcquireBeforeConnect(t *testing.T) {
	_, p := newPool(t, 2)

	// A disconnected pool hands out invalid handles, not errors.
	handle := p.Acquire()
	assert.False(t, handle.IsValid())
	assert.Nil(t, handle.Session())
	handle.Release() // no-op
}

func TestAcquireExhaustion(t *testing.T) {
	_, p := newPool(t, 3)
	require.NoError(t, p.Connect(testCtx(t)))
	assert.True(t, p.IsConnected())
	assert.Equal(t, 3, p.Size())

	// All slots lease distinct sessions.
	handles := make([]*Handle, 3)
	seen := map[*session.Session]bool{}
	for i := range handles {
		handles[i] = p.Acquire()
		require.True(t, handles[i].IsValid())
		sess := handles[i].Session()
		assert.False(t, seen[sess])
		seen[sess] = true
	}

	// The N+1th acquisition is invalid, immediately.
	extra := p.Acquire()
	assert.False(t, extra.IsValid())

	// Releasing one restores exactly one.
	handles[1].Release()
	again := p.Acquire()
	assert.True(t, again.IsValid())
	assert.False(t, p.Acquire().IsValid())
	again.Release()

	handles[0].Release()
	handles[2].Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	server, p := newPool(t, 1)
	require.NoError(t, p.Connect(testCtx(t)))

	handle := p.Acquire()
	require.True(t, handle.IsValid())

	handle.Release()
	before := server.QueryCalledNum("DISCARD ALL")
	handle.Release()
	handle.Release()

	// The second and third release run no hook and free no slot twice.
	assert.Equal(t, before, server.QueryCalledNum("DISCARD ALL"))
	assert.False(t, handle.IsValid())

	h1 := p.Acquire()
	require.True(t, h1.IsValid())
	assert.False(t, p.Acquire().IsValid())
	h1.Release()
}

func TestDefaultReleaseHookResets(t *testing.T) {
	server, p := newPool(t, 1)
	require.NoError(t, p.Connect(testCtx(t)))

	handle := p.Acquire()
	require.True(t, handle.IsValid())
	handle.Release()

	assert.Equal(t, 1, server.QueryCalledNum("DISCARD ALL"))
}

func TestCustomReleaseHook(t *testing.T) {
	server, p := newPool(t, 1)
	server.AddQuery("ROLLBACK", &fakepg.Result{Tag: "ROLLBACK"})

	p.SetReleaseHook(func(ctx context.Context, sess *session.Session) error {
		_, err := sess.Exec(ctx, "ROLLBACK")
		return err
	})
	require.NoError(t, p.Connect(testCtx(t)))

	handle := p.Acquire()
	require.True(t, handle.IsValid())
	handle.Release()

	assert.Equal(t, 1, server.QueryCalledNum("ROLLBACK"))
	assert.Zero(t, server.QueryCalledNum("DISCARD ALL"))
}

func TestConnectHook(t *testing.T) {
	server, p := newPool(t, 2)
	server.AddQuery("SET search_path TO app", &fakepg.Result{Tag: "SET"})

	p.SetConnectHook(func(ctx context.Context, sess *session.Session) error {
		_, err := sess.Exec(ctx, "SET search_path TO app")
		return err
	})
	require.NoError(t, p.Connect(testCtx(t)))

	// Once per session.
	assert.Equal(t, 2, server.QueryCalledNum("SET search_path TO app"))
}

func TestConnectIsAllOrNothing(t *testing.T) {
	server := fakepg.New(t)
	host, port := server.HostPort()
	server.Close()

	p, err := New(2, session.Config{
		Host:        host,
		Port:        port,
		User:        "tester",
		DialTimeout: time.Second,
	})
	require.NoError(t, err)

	require.Error(t, p.Connect(context.Background()))
	assert.False(t, p.IsConnected())
	assert.False(t, p.Acquire().IsValid())
}

func TestDisconnectInvalidatesAcquire(t *testing.T) {
	_, p := newPool(t, 2)
	require.NoError(t, p.Connect(testCtx(t)))

	p.Disconnect()
	assert.False(t, p.IsConnected())
	assert.False(t, p.Acquire().IsValid())

	// Disconnect is idempotent.
	p.Disconnect()
}

func TestReleaseAfterDisconnectClosesSession(t *testing.T) {
	_, p := newPool(t, 1)
	require.NoError(t, p.Connect(testCtx(t)))

	handle := p.Acquire()
	require.True(t, handle.IsValid())
	sess := handle.Session()

	p.Disconnect()
	handle.Release()

	assert.False(t, sess.IsConnected())
}

func TestDisconnectDuringReleaseHook(t *testing.T) {
	_, p := newPool(t, 1)

	// The hook runs outside the pool mutex, so Disconnect can land
	// mid-release. The session must not come back into the pool open.
	p.SetReleaseHook(func(ctx context.Context, sess *session.Session) error {
		p.Disconnect()
		return nil
	})
	require.NoError(t, p.Connect(testCtx(t)))

	handle := p.Acquire()
	require.True(t, handle.IsValid())
	sess := handle.Session()
	handle.Release()

	assert.False(t, sess.IsConnected())
	assert.False(t, p.IsConnected())
	assert.False(t, p.Acquire().IsValid())
}

func TestConcurrentAcquireRelease(t *testing.T) {
	_, p := newPool(t, 4)
	require.NoError(t, p.Connect(testCtx(t)))

	// Skip the reset round trip; this test hammers the slot state only.
	p.SetReleaseHook(nil)

	// Every session may be leased by at most one handle at a time.
	var leases sync.Map // *session.Session -> *atomic.Int32

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				handle := p.Acquire()
				if !handle.IsValid() {
					continue
				}
				c, _ := leases.LoadOrStore(handle.Session(), new(atomic.Int32))
				counter := c.(*atomic.Int32)
				if n := counter.Add(1); n != 1 {
					t.Errorf("session leased %d times simultaneously", n)
				}
				counter.Add(-1)
				handle.Release()
			}
		}()
	}
	wg.Wait()

	// All slots must be back.
	handles := make([]*Handle, 4)
	for i := range handles {
		handles[i] = p.Acquire()
		assert.True(t, handles[i].IsValid())
	}
	assert.False(t, p.Acquire().IsValid())
	for _, h := range handles {
		h.Release()
	}
}
