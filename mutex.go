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

// Package smallmutex implements a slim, memory-efficient mutual
// exclusion lock (Mutex) and reader/writer/update lock (SharedMutex),
// backed by one (Mutex) or two (SharedMutex) small atomic words rather
// than the 40-48 bytes an OS mutex costs. They are meant for use where a
// process instantiates enormous numbers of locks - one per buffer
// pool page descriptor, or interleaved with pointers inside a
// hash-table cache line - where that per-object overhead dominates.
//
// Both types are built on top of the internal/park package, a
// hashed table of (address -> waiter list) pairs that emulates an
// OS futex's "wait while memory at an address equals a value" /
// "wake one waiter parked on that address" contract without relying
// on any platform-specific syscall.
//
// Neither type supports recursive acquisition, tracks the identity of
// its holder, or guarantees fairness between waiters; acquiring in one
// goroutine and releasing in another is explicitly permitted, exactly
// as with sync.Mutex.
package smallmutex

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nsavoire/smallmutex/internal/backoff"
	"github.com/nsavoire/smallmutex/internal/park"
)

// errUnlockOfUnlockedMutex is the panic value used when Unlock
// observes that HOLDER was already clear. Detecting this is not
// required by spec, but costs nothing on the slow path and turns a
// silent invariant violation into a loud one.
var errUnlockOfUnlockedMutex = errors.New("smallmutex: unlock of unlocked Mutex")

// holderBit is the high bit of a Mutex's lock word. When set, the
// Mutex is held exclusively by some goroutine; the remaining bits
// hold the count of goroutines parked or about to park on it.
const holderBit uint32 = 1 << 31

// Mutex is a slim, exclusive-only mutual exclusion lock. Its zero
// value is an unlocked Mutex ready for use; no constructor call is
// required.
//
// A Mutex must not be copied after first use.
type Mutex struct {
	noCopy noCopy //nolint:structcheck // embedded for `go vet`'s copylocks check only
	word   uint32
}

// TryLock attempts to acquire m without blocking. It reports whether
// the acquisition succeeded.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.word, 0, holderBit)
}

// Lock acquires m, blocking the calling goroutine until it is
// available. Self-reacquisition by a goroutine that already holds m
// deadlocks; this is not detected.
func (m *Mutex) Lock() {
	if m.TryLock() {
		return
	}
	m.lockSlow()
}

// activeSpinRounds bounds how many rounds of SpinLock yield the
// processor (runtime.Gosched) rather than sleeping a growing backoff
// delay, mirroring the active_spin/passive_spin split the Go runtime's
// own futex-based mutex uses before it parks.
const activeSpinRounds = 4

// SpinLock is like Lock, but performs up to spinRounds iterations of
// a relaxed load followed by a TryLock attempt (only once the load
// shows HOLDER clear) before falling back to the ordinary blocking
// wait path. The first activeSpinRounds rounds yield the processor;
// remaining rounds sleep a growing backoff delay instead, so a long
// hold doesn't spend the whole budget busy-spinning. A spinRounds of
// 0 is equivalent to Lock.
func (m *Mutex) SpinLock(spinRounds int) {
	var bo backoff.Backoff
	for i := 0; i < spinRounds; i++ {
		if atomic.LoadUint32(&m.word)&holderBit == 0 && m.TryLock() {
			return
		}
		if i < activeSpinRounds {
			backoff.Spin()
		} else {
			bo.Wait()
		}
	}
	m.Lock()
}

// lockSlow implements the handoff protocol of a contended acquire:
// register as a waiter, then repeatedly either install HOLDER
// (consuming our own waiter unit) or park until the word changes.
func (m *Mutex) lockSlow() {
	atomic.AddUint32(&m.word, 1)
	for {
		cur := atomic.LoadUint32(&m.word)
		if cur&holderBit == 0 {
			// HOLDER is clear: cur's low bits are the waiter count,
			// which includes our own unit. Try to become the holder
			// and consume it in the same compare-and-swap.
			next := holderBit | (cur - 1)
			if atomic.CompareAndSwapUint32(&m.word, cur, next) {
				return
			}
			continue
		}
		park.Wait(&m.word, cur)
	}
}

// Unlock releases m. It is a programmer error to call Unlock on a
// Mutex that is not held; that error is detected and results in a
// panic rather than silent corruption of the lock word.
//
// Unlock does not require that the calling goroutine is the one that
// called Lock.
func (m *Mutex) Unlock() {
	for {
		cur := atomic.LoadUint32(&m.word)
		if cur&holderBit == 0 {
			panic(errUnlockOfUnlockedMutex)
		}
		next := cur &^ holderBit
		if atomic.CompareAndSwapUint32(&m.word, cur, next) {
			if next != 0 {
				park.WakeOne(&m.word)
			}
			return
		}
	}
}

// IsLocked reports whether m is currently held exclusively. The
// result is stale the instant it is returned; it exists for
// instrumentation and hardware-transactional-memory lock-elision
// fast paths, not for program logic that needs to infer ownership.
func (m *Mutex) IsLocked() bool {
	return atomic.LoadUint32(&m.word)&holderBit != 0
}

// IsLockedOrWaiting reports whether m is held, or any goroutine is
// parked or about to park on it. Like IsLocked, this is advisory
// only.
func (m *Mutex) IsLockedOrWaiting() bool {
	return atomic.LoadUint32(&m.word) != 0
}
