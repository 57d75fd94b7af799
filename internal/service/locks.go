package service

import (
	"context"
	"sync"
)

// patientLocks serializes work per patient. Waiters are served in arrival
// order and give up when their context ends. Entries are dropped once no
// one holds or waits on them.
type patientLocks struct {
	mu    sync.Mutex
	locks map[string]*patientLock
}

type patientLock struct {
	slot chan struct{}
	refs int
}

func newPatientLocks() *patientLocks {
	return &patientLocks{locks: make(map[string]*patientLock)}
}

// Lock blocks until id is free and returns the matching unlock function.
func (l *patientLocks) Lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	pl, ok := l.locks[id]
	if !ok {
		pl = &patientLock{slot: make(chan struct{}, 1)}
		l.locks[id] = pl
	}
	pl.refs++
	l.mu.Unlock()

	select {
	case pl.slot <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-pl.slot
				l.release(id, pl)
			})
		}, nil
	case <-ctx.Done():
		l.release(id, pl)
		return nil, ctx.Err()
	}
}

func (l *patientLocks) release(id string, pl *patientLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl.refs--
	if pl.refs == 0 {
		delete(l.locks, id)
	}
}

// size is the number of tracked patients.
func (l *patientLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
