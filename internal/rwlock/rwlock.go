// Package rwlock provides a reentrant read/write lock with per-holder hold
// counts and asymmetric upgrade semantics.
//
// Downgrading is permitted: a holder of the write lock may acquire the read
// lock without blocking. Upgrading is not: a holder of the read lock that
// requests the write lock blocks until every read hold is released, which
// never happens if it is its own. Callers that may upgrade must check
// ReadHeldBy first.
package rwlock

import (
	"errors"
	"sync"
)

// ErrIllegalMonitorState is the panic value for unlocking a lock that is not held.
var ErrIllegalMonitorState = errors.New("fedfs: unlock of lock not held")

// RWLock is a reentrant read/write lock. The zero value is not usable;
// use New.
type RWLock struct {
	mu         sync.Mutex
	cond       *sync.Cond
	writer     Holder // zero when not write locked
	writeHolds int
	readers    int // total read holds of all holders
	readHolds  map[Holder]int
}

// New returns an unlocked RWLock.
func New() *RWLock {
	l := &RWLock{readHolds: make(map[Holder]int)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// RLock acquires a read hold for h. It blocks while a holder other than h
// holds the write lock.
func (l *RWLock) RLock(h Holder) {
	mustHolder(h)
	l.mu.Lock()
	defer l.mu.Unlock()
	for !l.canRead(h) {
		l.cond.Wait()
	}
	l.addRead(h)
}

// TryRLock acquires a read hold for h if possible without blocking.
func (l *RWLock) TryRLock(h Holder) bool {
	mustHolder(h)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.canRead(h) {
		return false
	}
	l.addRead(h)
	return true
}

// RUnlock releases one read hold of h. It panics with
// ErrIllegalMonitorState if h holds no read lock.
func (l *RWLock) RUnlock(h Holder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.readHolds[h]
	if n == 0 {
		panic(ErrIllegalMonitorState)
	}
	if n == 1 {
		delete(l.readHolds, h)
	} else {
		l.readHolds[h] = n - 1
	}
	l.readers--
	if l.readers == 0 {
		l.cond.Broadcast()
	}
}

// Lock acquires a write hold for h. If h already holds the write lock the
// hold count is incremented. Otherwise it blocks while any read hold exists,
// including read holds of h itself, or another holder has the write lock.
func (l *RWLock) Lock(h Holder) {
	mustHolder(h)
	l.mu.Lock()
	defer l.mu.Unlock()
	for !l.canWrite(h) {
		l.cond.Wait()
	}
	l.addWrite(h)
}

// TryLock acquires a write hold for h if possible without blocking.
func (l *RWLock) TryLock(h Holder) bool {
	mustHolder(h)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.canWrite(h) {
		return false
	}
	l.addWrite(h)
	return true
}

// Unlock releases one write hold of h. It panics with
// ErrIllegalMonitorState if h does not hold the write lock.
func (l *RWLock) Unlock(h Holder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == 0 || l.writer != h {
		panic(ErrIllegalMonitorState)
	}
	l.writeHolds--
	if l.writeHolds == 0 {
		l.writer = 0
		l.cond.Broadcast()
	}
}

// ReadHeldBy reports whether h holds at least one read hold.
func (l *RWLock) ReadHeldBy(h Holder) bool {
	return l.ReadHoldCount(h) > 0
}

// ReadHoldCount returns the number of read holds of h.
func (l *RWLock) ReadHoldCount(h Holder) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readHolds[h]
}

// WriteHeldBy reports whether h holds the write lock.
func (l *RWLock) WriteHeldBy(h Holder) bool {
	return l.WriteHoldCount(h) > 0
}

// WriteHoldCount returns the number of write holds of h.
func (l *RWLock) WriteHoldCount(h Holder) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == 0 || l.writer != h {
		return 0
	}
	return l.writeHolds
}

// Reader returns the read side of l for h.
func (l *RWLock) Reader(h Holder) Locker {
	return readLocker{l: l, h: h}
}

// Writer returns the write side of l for h.
func (l *RWLock) Writer(h Holder) Locker {
	return writeLocker{l: l, h: h}
}

func (l *RWLock) canRead(h Holder) bool {
	return l.writer == 0 || l.writer == h
}

func (l *RWLock) canWrite(h Holder) bool {
	if l.writer == h {
		return true
	}
	return l.writer == 0 && l.readers == 0
}

func mustHolder(h Holder) {
	if h == 0 {
		panic("fedfs: lock with zero holder")
	}
}

func (l *RWLock) addRead(h Holder) {
	l.readHolds[h]++
	l.readers++
}

func (l *RWLock) addWrite(h Holder) {
	l.writer = h
	l.writeHolds++
}

// Locker is one side of an RWLock bound to a Holder.
type Locker interface {
	sync.Locker
	TryLock() bool
}

type readLocker struct {
	l *RWLock
	h Holder
}

func (r readLocker) Lock()         { r.l.RLock(r.h) }
func (r readLocker) TryLock() bool { return r.l.TryRLock(r.h) }
func (r readLocker) Unlock()       { r.l.RUnlock(r.h) }

type writeLocker struct {
	l *RWLock
	h Holder
}

func (w writeLocker) Lock()         { w.l.Lock(w.h) }
func (w writeLocker) TryLock() bool { return w.l.TryLock(w.h) }
func (w writeLocker) Unlock()       { w.l.Unlock(w.h) }
