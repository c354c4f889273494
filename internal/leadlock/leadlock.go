// Package leadlock serializes work on a single lead across the webhook
// handlers, the nurture sweep, and the background agents.
package leadlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrLockTimeout is returned when the lock could not be taken before the context ended.
var ErrLockTimeout = errors.New("timed out waiting for lead lock")

// Locker grants exclusive access to one lead at a time.
type Locker interface {
	// Acquire blocks until the lead's lock is held or ctx is done.
	// The returned release function must be called exactly once.
	Acquire(ctx context.Context, leadID string) (release func(), err error)
}

// WithLock runs fn while holding the lead's lock.
func WithLock(ctx context.Context, l Locker, leadID string, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx, leadID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// LocalLocker is an in-process keyed mutex. Entries are dropped once no
// goroutine holds or waits for them.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

var _ Locker = (*LocalLocker)(nil)

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*localEntry)}
}

func (l *LocalLocker) Acquire(ctx context.Context, leadID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[leadID]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[leadID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(leadID, e)
		slog.Warn("LocalLocker.Acquire: gave up waiting", "leadID", leadID, "error", ctx.Err())
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.drop(leadID, e)
		})
	}, nil
}

func (l *LocalLocker) drop(leadID string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, leadID)
	}
}

// size reports the number of tracked leads.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
