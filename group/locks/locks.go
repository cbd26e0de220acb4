// Package locks serializes work on a single group. The coordinator holds a
// group's lock for a whole update attempt and the state processor holds it for
// a whole sync, so the stored replica has one writer per group at a time.
//
// A lock is reentrant through the context returned by Acquire: code running
// under that context (for example the catch-up sync a conflicting update
// triggers) acquires the same group without blocking. The returned context
// must not outlive the release func.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
)

// DefaultTimeout bounds how long Acquire waits when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// Arena hands out one lock per group identifier. Entries are reference counted
// and removed once no holder or waiter remains.
type Arena struct {
	mu    sync.Mutex
	locks map[group.Identifier]*entry

	// Timeout applies when the caller's context has no deadline of its own.
	// Zero waits for as long as the context allows.
	Timeout time.Duration
}

type entry struct {
	ch   chan struct{}
	refs int
}

type heldKey struct {
	arena *Arena
	id    group.Identifier
}

// New creates an arena that waits at most timeout for a lock.
func New(timeout time.Duration) *Arena {
	return &Arena{locks: make(map[group.Identifier]*entry), Timeout: timeout}
}

// Acquire blocks until the lock of id is held and returns a context marking it
// as held, plus the release func. Waiting past the deadline yields ErrBusy.
func (a *Arena) Acquire(ctx context.Context, id group.Identifier) (context.Context, func(), error) {
	if ctx.Value(heldKey{a, id}) != nil {
		return ctx, func() {}, nil
	}

	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok && a.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	a.mu.Lock()
	l, ok := a.locks[id]
	if !ok {
		l = &entry{ch: make(chan struct{}, 1)}
		a.locks[id] = l
	}
	l.refs++
	a.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-l.ch
				a.unref(id, l)
			})
		}
		return context.WithValue(ctx, heldKey{a, id}, true), release, nil
	case <-waitCtx.Done():
		a.unref(id, l)
		return nil, nil, errors.Mark(errors.Wrapf(waitCtx.Err(), "group %s is locked by another operation", id.Short()), errors.ErrBusy)
	}
}

func (a *Arena) unref(id group.Identifier, l *entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(a.locks, id)
	}
}

// Size is the number of groups with a holder or waiter.
func (a *Arena) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
