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

// Package pool provides a fixed-size pool of PostgreSQL sessions with
// scoped leases. Acquisition never blocks and never fails: when the
// pool is exhausted the caller receives an invalid handle to inspect.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pgfleet/pgfleet/go/pgwire/session"
)

var (
	// ErrAlreadyConnected is returned by Connect on a connected pool.
	ErrAlreadyConnected = errors.New("pool is already connected")

	// ErrPoolSize is returned when the pool is created with a
	// non-positive size.
	ErrPoolSize = errors.New("pool size must be positive")
)

// Hook runs against a session at a lease boundary.
type Hook func(ctx context.Context, sess *session.Session) error

// Pool is a fixed-size collection of sessions. All state is guarded by
// one mutex; no operation blocks while holding it except the release
// hook, which talks to the server.
type Pool struct {
	mu        sync.Mutex
	slots     []slot
	config    session.Config
	logger    *slog.Logger
	connected bool

	connectHook Hook
	releaseHook Hook
}

type slot struct {
	sess   *session.Session
	leased bool
}

// New creates a disconnected pool of size sessions, each built from the
// given config.
func New(size int, config session.Config) (*Pool, error) {
	if size <= 0 {
		return nil, ErrPoolSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		slots:  make([]slot, size),
		config: config,
		logger: logger,
	}
	p.releaseHook = func(ctx context.Context, sess *session.Session) error {
		return sess.Reset(ctx)
	}
	return p, nil
}

// SetConnectHook sets the hook run once per session right after it
// connects, for per-session setup such as search_path or prepared
// statements. It must be set before Connect.
func (p *Pool) SetConnectHook(hook Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectHook = hook
}

// SetReleaseHook replaces the hook run when a handle is released. The
// default resets the session with DISCARD ALL. A nil hook disables
// reset entirely.
func (p *Pool) SetReleaseHook(hook Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseHook = hook
}

// Connect establishes every session in the pool. It is all or nothing:
// on any failure the sessions opened so far are closed and the pool
// stays disconnected.
func (p *Pool) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return ErrAlreadyConnected
	}
	for i := range p.slots {
		if p.slots[i].leased {
			return fmt.Errorf("slot %d still leased from a previous connect", i)
		}
	}

	for i := range p.slots {
		sess := session.New(p.config)
		if err := p.connectSession(ctx, sess); err != nil {
			for j := range i {
				_ = p.slots[j].sess.Close()
				p.slots[j] = slot{}
			}
			return fmt.Errorf("failed to connect session %d: %w", i, err)
		}
		p.slots[i] = slot{sess: sess}
	}
	p.connected = true
	p.logger.Debug("pool connected", "size", len(p.slots))
	return nil
}

func (p *Pool) connectSession(ctx context.Context, sess *session.Session) error {
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	if p.connectHook != nil {
		if err := p.connectHook(ctx, sess); err != nil {
			_ = sess.Close()
			return fmt.Errorf("connect hook failed: %w", err)
		}
	}
	return nil
}

// Disconnect closes every unleased session and marks the pool
// disconnected. Leased sessions are closed when their handles are
// released.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return
	}
	for i := range p.slots {
		if !p.slots[i].leased && p.slots[i].sess != nil {
			_ = p.slots[i].sess.Close()
			p.slots[i].sess = nil
		}
	}
	p.connected = false
	p.logger.Debug("pool disconnected")
}

// IsConnected reports whether the pool is connected.
func (p *Pool) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Size returns the fixed number of slots.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Acquire leases a session. It never blocks and never returns an error:
// when the pool is exhausted or disconnected the returned handle is
// invalid, which the caller checks with IsValid.
func (p *Pool) Acquire() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return &Handle{}
	}
	for i := range p.slots {
		// A slot whose session broke at release stays empty until the
		// pool is reconnected.
		if !p.slots[i].leased && p.slots[i].sess != nil {
			p.slots[i].leased = true
			return &Handle{pool: p, sess: p.slots[i].sess, index: i}
		}
	}
	return &Handle{}
}

// release returns a leased slot to the pool. The session is reset via
// the release hook; if the pool was disconnected in the meantime, or
// the reset fails, the session is closed instead so a broken session is
// never handed to the next caller.
func (p *Pool) release(index int, sess *session.Session) {
	p.mu.Lock()
	if !p.connected {
		p.slots[index].leased = false
		p.slots[index].sess = nil
		p.mu.Unlock()
		_ = sess.Close()
		return
	}
	hook := p.releaseHook
	p.mu.Unlock()

	healthy := sess.IsConnected()
	if healthy && hook != nil {
		if err := hook(context.Background(), sess); err != nil {
			p.logger.Warn("release hook failed, closing session", "error", err)
			healthy = false
		}
	}
	if !healthy {
		_ = sess.Close()
		sess = nil
	}

	p.mu.Lock()
	p.slots[index].leased = false
	// Disconnect may have landed while the hook ran outside the lock;
	// the session must not outlive a disconnected pool.
	if !p.connected {
		p.slots[index].sess = nil
		p.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		return
	}
	p.slots[index].sess = sess
	p.mu.Unlock()
}

// Handle is a scoped lease on one pooled session. The zero value is the
// invalid handle. A Handle is not safe for concurrent use.
type Handle struct {
	pool  *Pool
	sess  *session.Session
	index int
}

// IsValid reports whether the handle carries a session. Acquire returns
// an invalid handle when the pool is exhausted.
func (h *Handle) IsValid() bool {
	return h.sess != nil
}

// Session returns the leased session, or nil for an invalid handle.
func (h *Handle) Session() *session.Session {
	return h.sess
}

// Release returns the session to the pool, running the release hook.
// Releasing an invalid or already-released handle is a no-op.
func (h *Handle) Release() {
	if h.sess == nil {
		return
	}
	pool, sess, index := h.pool, h.sess, h.index
	h.pool = nil
	h.sess = nil
	pool.release(index, sess)
}
