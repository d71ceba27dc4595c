package smallmutex

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexZeroValueUnlocked(t *testing.T) {
	var m Mutex
	assert.False(t, m.IsLocked())
	assert.False(t, m.IsLockedOrWaiting())
}

func TestMutexUncontendedTryLock(t *testing.T) {
	var m Mutex
	assert.True(t, m.TryLock())
	assert.True(t, m.IsLocked())
	m.Unlock()
	assert.False(t, m.IsLocked())
	assert.False(t, m.IsLockedOrWaiting())
}

func TestMutexTryLockFailsWhileHeld(t *testing.T) {
	var m Mutex
	require.True(t, m.TryLock())
	assert.False(t, m.TryLock())
	m.Unlock()
}

func TestMutexUnlockOfUnlockedPanics(t *testing.T) {
	var m Mutex
	assert.Panics(t, func() { m.Unlock() })
}

// TestMutexTwoGoroutineHandoff reproduces spec scenario 2: T1 locks,
// T2 parks waiting, T1 unlocks, T2's Lock returns; while T2 holds the
// lock, T1's TryLock fails.
func TestMutexTwoGoroutineHandoff(t *testing.T) {
	var m Mutex

	m.Lock()

	t2Parked := make(chan struct{})
	t2Holding := make(chan struct{})
	t2Release := make(chan struct{})
	t2Done := make(chan struct{})
	go func() {
		close(t2Parked)
		m.Lock()
		close(t2Holding)
		<-t2Release
		m.Unlock()
		close(t2Done)
	}()

	<-t2Parked
	time.Sleep(10 * time.Millisecond) // give t2 a chance to register as a waiter
	m.Unlock()

	<-t2Holding
	assert.False(t, m.TryLock(), "t1 should observe t2 holding the lock")

	close(t2Release)
	<-t2Done
	assert.False(t, m.IsLocked())
}

func TestMutexSpinLockZeroRoundsEquivalentToLock(t *testing.T) {
	var m Mutex
	m.SpinLock(0)
	assert.True(t, m.IsLocked())
	m.Unlock()
}

func TestMutexSpinLockUncontended(t *testing.T) {
	var m Mutex
	m.SpinLock(1000)
	assert.True(t, m.IsLocked())
	m.Unlock()
}

func TestMutexManyWaitersEventuallyAllAcquire(t *testing.T) {
	var m Mutex
	const n = 64
	var acquired int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			m.Lock()
			atomic.AddInt32(&acquired, 1)
			m.Unlock()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, n, acquired)
	assert.False(t, m.IsLockedOrWaiting())
}

func TestMutexMutualExclusionUnderContention(t *testing.T) {
	var m Mutex
	var counter int
	var wg sync.WaitGroup
	const goroutines = 20
	const iterationsEach = 200
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterationsEach; j++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, goroutines*iterationsEach, counter)
}

func TestMutexReleaseByDifferentGoroutine(t *testing.T) {
	var m Mutex
	m.Lock()
	done := make(chan struct{})
	go func() {
		m.Unlock()
		close(done)
	}()
	<-done
	assert.False(t, m.IsLocked())
}
