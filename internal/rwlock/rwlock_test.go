package rwlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReentrantRead(t *testing.T) {
	t.Parallel()

	l := New()
	h := NewHolder()
	l.RLock(h)
	l.RLock(h)
	assert.Equal(t, 2, l.ReadHoldCount(h))
	l.RUnlock(h)
	assert.True(t, l.ReadHeldBy(h))
	l.RUnlock(h)
	assert.False(t, l.ReadHeldBy(h))

	// No holds left, so a writer gets in.
	assert.True(t, l.TryLock(NewHolder()))
}

func TestReentrantWrite(t *testing.T) {
	t.Parallel()

	l := New()
	h := NewHolder()
	l.Lock(h)
	l.Lock(h)
	assert.Equal(t, 2, l.WriteHoldCount(h))

	other := NewHolder()
	assert.False(t, l.TryLock(other))
	assert.False(t, l.TryRLock(other))

	l.Unlock(h)
	assert.False(t, l.TryLock(other))
	l.Unlock(h)
	assert.True(t, l.TryLock(other))
	l.Unlock(other)
}

func TestDowngradeDoesNotBlock(t *testing.T) {
	t.Parallel()

	l := New()
	h := NewHolder()
	l.Lock(h)

	done := make(chan struct{})
	go func() {
		l.RLock(h)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RLock by the write holder blocked")
	}

	// Releasing the write hold leaves a plain read hold behind.
	l.Unlock(h)
	other := NewHolder()
	assert.True(t, l.TryRLock(other))
	assert.False(t, l.TryLock(other))
	l.RUnlock(other)
	l.RUnlock(h)
	assert.True(t, l.TryLock(other))
}

func TestUpgradeBlocks(t *testing.T) {
	t.Parallel()

	l := New()
	h := NewHolder()
	l.RLock(h)
	assert.False(t, l.TryLock(h), "TryLock must refuse an upgrade")

	acquired := make(chan struct{})
	go func() {
		l.Lock(h)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("read holder acquired the write lock")
	case <-time.After(100 * time.Millisecond):
	}

	// Dropping the read hold lets the pending upgrade through.
	l.RUnlock(h)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("write lock not acquired after read hold was released")
	}
	assert.True(t, l.WriteHeldBy(h))
	l.Unlock(h)
}

func TestWriterWaitsForReaders(t *testing.T) {
	t.Parallel()

	l := New()
	reader := NewHolder()
	writer := NewHolder()
	l.RLock(reader)

	acquired := make(chan struct{})
	go func() {
		l.Lock(writer)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired the lock while a reader held it")
	case <-time.After(50 * time.Millisecond):
	}
	l.RUnlock(reader)
	<-acquired
	l.Unlock(writer)
}

func TestMutualExclusion(t *testing.T) {
	t.Parallel()

	const (
		writers    = 16
		iterations = 500
	)
	l := New()
	counter := 0
	var observed sync.Map

	var wg sync.WaitGroup
	for range writers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h := NewHolder()
			for range iterations {
				l.Lock(h)
				counter++
				l.Unlock(h)
			}
		}()
		go func() {
			defer wg.Done()
			h := NewHolder()
			for range iterations {
				l.RLock(h)
				observed.Store(counter, true)
				l.RUnlock(h)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, writers*iterations, counter)
}

func TestUnlockWithoutLockPanics(t *testing.T) {
	t.Parallel()

	l := New()
	h := NewHolder()
	assert.PanicsWithValue(t, ErrIllegalMonitorState, func() { l.Unlock(h) })
	assert.PanicsWithValue(t, ErrIllegalMonitorState, func() { l.RUnlock(h) })

	l.Lock(h)
	assert.PanicsWithValue(t, ErrIllegalMonitorState, func() { l.Unlock(NewHolder()) })
	l.Unlock(h)
}

func TestLockers(t *testing.T) {
	t.Parallel()

	l := New()
	h := NewHolder()
	w := l.Writer(h)
	r := l.Reader(h)

	w.Lock()
	require.True(t, r.TryLock())
	r.Unlock()
	w.Unlock()

	other := l.Writer(NewHolder())
	require.True(t, other.TryLock())
	assert.False(t, r.TryLock())
	other.Unlock()
}

func TestHolderContext(t *testing.T) {
	t.Parallel()

	_, ok := HolderFrom(context.Background())
	assert.False(t, ok)

	ctx, h := Ensure(context.Background())
	got, ok := HolderFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, h, got)

	same, h2 := Ensure(ctx)
	assert.Equal(t, h, h2)
	assert.Equal(t, ctx, same)
	assert.NotEqual(t, h, NewHolder())
}
