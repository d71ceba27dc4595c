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

// Package backoff implements the bounded exponential backoff used by
// smallmutex's spin variants, grounded on the teacher's unused-in-
// this-port but idiomatic startingBackoff/maxBackoff/backoffFactor
// triple (see ilock.go in the original go-ilock package).
package backoff

import (
	"runtime"
	"time"
)

const (
	startingDelay = 50 * time.Microsecond
	maxDelay      = 500 * time.Microsecond
	factor        = 2
)

// Backoff tracks the current wait duration across repeated contended
// attempts at the same lock word. The zero value is ready for use:
// its first call to Wait sleeps startingDelay.
type Backoff struct {
	delay time.Duration
}

// Spin yields the processor once, the cheapest possible "pause" given
// Go's public API exposes no CPU pause intrinsic (cf. the
// julienschmidt/spinlock example in the reference corpus).
func Spin() {
	runtime.Gosched()
}

// Wait sleeps for the current backoff delay and grows it towards
// maxDelay, to be called after a bounded spin gives up and before a
// goroutine parks, or between rounds of the bounded spin itself.
func (b *Backoff) Wait() {
	if b.delay == 0 {
		b.delay = startingDelay
	}
	time.Sleep(b.delay)
	b.delay *= factor
	if b.delay > maxDelay {
		b.delay = maxDelay
	}
}

// Reset returns the backoff to its initial state for reuse across a
// fresh acquisition attempt.
func (b *Backoff) Reset() {
	b.delay = 0
}
