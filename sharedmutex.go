// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package smallmutex

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nsavoire/smallmutex/internal/backoff"
	"github.com/nsavoire/smallmutex/internal/park"
)

var errUnlockSharedOfUnlockedSharedMutex = errors.New("smallmutex: unlock_shared of unlocked SharedMutex")
var errUpgradeUpdateLockWithoutHolding = errors.New("smallmutex: upgrade_update_lock without holding update")

// xBit is the high bit of a SharedMutex's inner word: set while a
// writer is installed or waiting for readers to drain. The remaining
// bits count current shared holders plus the (at most one, by virtue
// of outer) current update holder.
const xBit uint32 = 1 << 31

// SharedMutex is a slim reader/writer/update lock: any number of
// shared (read) holders may coexist, at most one update holder may
// coexist with any number of shared holders, and an exclusive holder
// excludes everyone else. Its zero value is unlocked and ready for
// use.
//
// It is composed from an internal exclusive Mutex (outer), which
// serializes writers and updaters against each other, and a second
// atomic word (inner) tracking the shared/update holder count and
// whether a writer is pending or installed.
//
// A SharedMutex must not be copied after first use.
type SharedMutex struct {
	noCopy noCopy //nolint:structcheck // embedded for `go vet`'s copylocks check only
	outer  Mutex
	inner  uint32
}

// TryLock attempts to acquire s for exclusive access without
// blocking. Per spec, a single-shot try_lock must not block even
// partially: it succeeds only when outer and inner were both free at
// the test point, releasing outer and returning false otherwise
// (including when readers are present and would need to drain).
func (s *SharedMutex) TryLock() bool {
	if !s.outer.TryLock() {
		return false
	}
	if atomic.CompareAndSwapUint32(&s.inner, 0, xBit) {
		return true
	}
	s.outer.Unlock()
	return false
}

// Lock acquires s for exclusive access, blocking until outer is free
// and any shared or update holders have drained.
func (s *SharedMutex) Lock() {
	s.outer.Lock()
	s.lockInner()
}

// SpinLock is like Lock, but first acquires outer with
// outer.SpinLock(spinRounds), then spins up to spinRounds more times
// trying to move inner from 0 to xBit before falling back to Lock's
// blocking drain wait.
func (s *SharedMutex) SpinLock(spinRounds int) {
	s.outer.SpinLock(spinRounds)
	var bo backoff.Backoff
	for i := 0; i < spinRounds; i++ {
		if atomic.LoadUint32(&s.inner) == 0 && atomic.CompareAndSwapUint32(&s.inner, 0, xBit) {
			return
		}
		if i < activeSpinRounds {
			backoff.Spin()
		} else {
			bo.Wait()
		}
	}
	s.lockInner()
}

// lockInner installs xBit on s.inner (if not already installed) and
// waits for any remaining shared/update holders to drain, assuming
// the caller already holds outer.
func (s *SharedMutex) lockInner() {
	for {
		cur := atomic.LoadUint32(&s.inner)
		if cur == 0 {
			if atomic.CompareAndSwapUint32(&s.inner, 0, xBit) {
				return
			}
			continue
		}
		if cur&xBit == 0 {
			next := cur | xBit
			if !atomic.CompareAndSwapUint32(&s.inner, cur, next) {
				continue
			}
			cur = next
		}
		if cur == xBit {
			return
		}
		park.Wait(&s.inner, cur)
	}
}

// Unlock releases s from exclusive access. No one can be parked on
// s.inner at this point: the only waiters on it are goroutines that
// already hold outer (lockInner, UpgradeUpdateLock), and the caller
// is the one holding outer now,
// so there is nothing here for park.WakeOne to find.
func (s *SharedMutex) Unlock() {
	atomic.StoreUint32(&s.inner, 0)
	s.outer.Unlock()
}

// TryLockShared attempts to acquire s for shared access without
// blocking. It fails if a writer is pending or installed (xBit set).
func (s *SharedMutex) TryLockShared() bool {
	for {
		cur := atomic.LoadUint32(&s.inner)
		if cur&xBit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&s.inner, cur, cur+1) {
			return true
		}
	}
}

// LockShared acquires s for shared access, blocking if a writer is
// pending or installed. Shared acquirers never hold outer; they only
// briefly queue behind it to avoid starving a waiting writer.
func (s *SharedMutex) LockShared() {
	for {
		if s.TryLockShared() {
			return
		}
		s.outer.Lock()
		ok := s.TryLockShared()
		s.outer.Unlock()
		if ok {
			return
		}
	}
}

// SpinLockShared is like LockShared, but spins up to spinRounds
// attempts of the uncontended fast path before falling back to
// LockShared.
func (s *SharedMutex) SpinLockShared(spinRounds int) {
	var bo backoff.Backoff
	for i := 0; i < spinRounds; i++ {
		if s.TryLockShared() {
			return
		}
		if i < activeSpinRounds {
			backoff.Spin()
		} else {
			bo.Wait()
		}
	}
	s.LockShared()
}

// UnlockShared releases one shared acquisition of s. If this was the
// last reader draining ahead of a pending writer, it wakes that
// writer.
func (s *SharedMutex) UnlockShared() {
	for {
		cur := atomic.LoadUint32(&s.inner)
		if cur&^xBit == 0 {
			panic(errUnlockSharedOfUnlockedSharedMutex)
		}
		next := cur - 1
		if atomic.CompareAndSwapUint32(&s.inner, cur, next) {
			if next == xBit {
				park.WakeOne(&s.inner)
			}
			return
		}
	}
}

// TryLockUpdate attempts to acquire s in update mode without
// blocking: update mode is mutually exclusive with itself and with
// exclusive mode (both enforced via outer) but coexists with any
// number of shared holders.
func (s *SharedMutex) TryLockUpdate() bool {
	if !s.outer.TryLock() {
		return false
	}
	atomic.AddUint32(&s.inner, 1)
	return true
}

// LockUpdate acquires s in update mode, blocking until outer is
// free.
func (s *SharedMutex) LockUpdate() {
	s.outer.Lock()
	atomic.AddUint32(&s.inner, 1)
}

// SpinLockUpdate is like LockUpdate, but spins up to spinRounds
// attempts of TryLockUpdate before falling back to LockUpdate.
func (s *SharedMutex) SpinLockUpdate(spinRounds int) {
	var bo backoff.Backoff
	for i := 0; i < spinRounds; i++ {
		if s.TryLockUpdate() {
			return
		}
		if i < activeSpinRounds {
			backoff.Spin()
		} else {
			bo.Wait()
		}
	}
	s.LockUpdate()
}

// UnlockUpdate releases s from update mode and releases outer. Like
// UnlockShared, if this decrement drains the last holder ahead of a
// pending writer it wakes that writer.
func (s *SharedMutex) UnlockUpdate() {
	next := atomic.AddUint32(&s.inner, ^uint32(0)) // -1, wrapping
	if next == xBit {
		park.WakeOne(&s.inner)
	}
	s.outer.Unlock()
}

// UpgradeUpdateLock converts the calling goroutine's update hold into
// an exclusive hold. The caller must already hold s in update mode.
// outer remains held throughout; it is never released and
// re-acquired. UpgradeUpdateLock blocks until any shared readers that
// were concurrent with the update hold have drained.
//
// Calling UpgradeUpdateLock when no goroutine holds s in update mode
// at all is detected and panics rather than silently corrupting
// inner: outer unheld, or xBit already set, both prove that. Like
// self-recursive Lock, a foreign goroutine calling UpgradeUpdateLock
// while some other goroutine legitimately holds update is not
// detected, for the same reason: neither Mutex nor SharedMutex tracks
// holder identity, so that misuse is indistinguishable from correct
// use from inside the word alone, and remains undefined behavior.
func (s *SharedMutex) UpgradeUpdateLock() {
	if !s.outer.IsLocked() || atomic.LoadUint32(&s.inner)&xBit != 0 {
		panic(errUpgradeUpdateLockWithoutHolding)
	}
	// fetch-add(X-1): cancels our own update slot while installing the
	// exclusive-pending flag, in one atomic step.
	next := atomic.AddUint32(&s.inner, xBit-1)
	for next != xBit {
		park.Wait(&s.inner, next)
		next = atomic.LoadUint32(&s.inner)
	}
}

// DowngradeUpdateLock converts the calling goroutine's exclusive hold
// (previously obtained via UpgradeUpdateLock) back into an update
// hold. No wake is necessary: any shared waiters that existed when X
// was set could not have been admitted, so none are parked waiting
// specifically for this transition; new shared acquirers will simply
// find xBit clear on their next attempt. outer remains held.
func (s *SharedMutex) DowngradeUpdateLock() {
	atomic.StoreUint32(&s.inner, 1)
}

// IsWaiting reports whether a writer is pending or installed (xBit
// set). Advisory only; see Mutex.IsLocked.
func (s *SharedMutex) IsWaiting() bool {
	return atomic.LoadUint32(&s.inner)&xBit != 0
}

// IsLocked reports whether s is currently held exclusively. Advisory
// only; see Mutex.IsLocked.
func (s *SharedMutex) IsLocked() bool {
	return atomic.LoadUint32(&s.inner) == xBit && s.outer.IsLocked()
}

// IsLockedOrWaiting reports whether s has any holder (shared, update,
// or exclusive) or waiter in any mode. Advisory only; see
// Mutex.IsLockedOrWaiting.
func (s *SharedMutex) IsLockedOrWaiting() bool {
	return atomic.LoadUint32(&s.inner) != 0 || s.outer.IsLockedOrWaiting()
}
