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

// Package park emulates the address-keyed park/unpark facility (an OS
// futex) that smallmutex's lock words are built on.
//
// Go exposes no portable public futex syscall wrapper, so this is a
// hashed table of (address -> mutex+condvar) pairs, transliterated
// from Folly's emulated futex by way of the twmb/dash futex package:
// a fixed set of buckets, each guarding a doubly-linked list of
// waiters, hashed by the watched address. Wait re-validates its
// predicate under the bucket lock before sleeping so that a Wake
// racing the check is never lost.
package park

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

const numBuckets = 251 // prime, to spread consecutive word addresses across buckets

type waiter struct {
	addr uintptr
	next *waiter
	prev *waiter

	mu        sync.Mutex
	cond      *sync.Cond
	signalled bool
}

type bucket struct {
	mu   sync.Mutex
	head *waiter // sentinel; head.next is the first real waiter
}

var buckets [numBuckets]*bucket

func init() {
	for i := range buckets {
		sentinel := &waiter{}
		sentinel.next = sentinel
		sentinel.prev = sentinel
		buckets[i] = &bucket{head: sentinel}
	}
}

func hash(addr uintptr) uint64 {
	// fnv-1a, cheap and good enough to spread word addresses.
	h := uint64(14695981039346656037)
	for shift := 0; shift < 64; shift += 8 {
		h ^= (uint64(addr) >> shift) & 0xff
		h *= 1099511628211
	}
	return h
}

func bucketFor(addr *uint32) *bucket {
	return buckets[hash(addrOf(addr))%numBuckets]
}

func addrOf(addr *uint32) uintptr {
	return uintptr(unsafe.Pointer(addr))
}

// Wait blocks the calling goroutine while *addr == val, exactly as
// FUTEX_WAIT does. It may return spuriously; callers must re-check
// their own predicate in a loop (per spec.md's handoff protocol).
func Wait(addr *uint32, val uint32) {
	b := bucketFor(addr)

	b.mu.Lock()
	if atomic.LoadUint32(addr) != val {
		b.mu.Unlock()
		return
	}
	w := &waiter{addr: addrOf(addr)}
	w.cond = sync.NewCond(&w.mu)
	// insert at tail
	sentinel := b.head
	w.prev = sentinel.prev
	w.next = sentinel
	sentinel.prev.next = w
	sentinel.prev = w
	b.mu.Unlock()

	w.mu.Lock()
	for !w.signalled {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

// WakeOne wakes at most one goroutine parked on addr. It is a no-op
// if nothing is parked there.
func WakeOne(addr *uint32) {
	b := bucketFor(addr)
	target := addrOf(addr)

	b.mu.Lock()
	sentinel := b.head
	for w := sentinel.next; w != sentinel; w = w.next {
		if w.addr == target {
			w.prev.next = w.next
			w.next.prev = w.prev
			b.mu.Unlock()

			w.mu.Lock()
			w.signalled = true
			w.cond.Signal()
			w.mu.Unlock()
			return
		}
	}
	b.mu.Unlock()
}

// WakeAll wakes every goroutine parked on addr. SharedMutex does not
// currently need broadcast semantics but the bucket table supports it
// for a future multi-drain use (e.g. waking every update waiter on
// downgrade) without reshaping the data structure.
func WakeAll(addr *uint32) {
	b := bucketFor(addr)
	target := addrOf(addr)

	var woken []*waiter
	b.mu.Lock()
	sentinel := b.head
	w := sentinel.next
	for w != sentinel {
		next := w.next
		if w.addr == target {
			w.prev.next = w.next
			w.next.prev = w.prev
			woken = append(woken, w)
		}
		w = next
	}
	b.mu.Unlock()

	for _, w := range woken {
		w.mu.Lock()
		w.signalled = true
		w.cond.Signal()
		w.mu.Unlock()
	}
}
