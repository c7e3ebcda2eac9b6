package kv

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrLockNotObtained = errors.New("lock not obtained")
	ErrLockLost        = errors.New("lock no longer held")
)

// Locker grants exclusive access to a key. Obtain never waits: a held lock
// returns ErrLockNotObtained.
type Locker interface {
	Obtain(ctx context.Context, key string) (Lease, error)
}

// Lease is a held lock. Long holders call Refresh between units of work so
// the lock cannot expire under them; Refresh returns ErrLockLost once the
// lease is gone.
type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// LocalLocker only excludes holders within this process. Its leases never
// expire.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]*localLease
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]*localLease{}}
}

func (l *LocalLocker) Obtain(_ context.Context, key string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrLockNotObtained
	}
	lease := &localLease{locker: l, key: key}
	l.held[key] = lease
	return lease, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
}

func (le *localLease) Refresh(context.Context) error {
	le.locker.mu.Lock()
	defer le.locker.mu.Unlock()
	if le.locker.held[le.key] != le {
		return ErrLockLost
	}
	return nil
}

func (le *localLease) Release(context.Context) error {
	le.locker.mu.Lock()
	defer le.locker.mu.Unlock()
	if le.locker.held[le.key] == le {
		delete(le.locker.held, le.key)
	}
	return nil
}
