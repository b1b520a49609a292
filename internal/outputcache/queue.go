// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package outputcache

import "sync"

// DirQueue serializes operations per key. Operations on the same key run
// one at a time in the order they were submitted; different keys do not
// block each other.
type DirQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewDirQueue creates an empty queue.
func NewDirQueue() *DirQueue {
	return &DirQueue{tails: make(map[string]chan struct{})}
}

// enqueue reserves the next slot for key and returns the channel to wait on
// (nil when the queue was empty) and the function that frees the slot.
func (q *DirQueue) enqueue(key string) (<-chan struct{}, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	prev := q.tails[key]
	done := make(chan struct{})
	q.tails[key] = done

	return prev, func() {
		close(done)
		q.mu.Lock()
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
	}
}

// Run waits for earlier operations on key, then runs fn.
func (q *DirQueue) Run(key string, fn func() error) error {
	prev, release := q.enqueue(key)
	defer release()
	if prev != nil {
		<-prev
	}
	return fn()
}

// Go queues fn behind earlier operations on key without waiting for it.
// The slot is taken before Go returns, so a later Run on the same key runs
// after fn.
func (q *DirQueue) Go(key string, fn func()) {
	prev, release := q.enqueue(key)
	go func() {
		defer release()
		if prev != nil {
			<-prev
		}
		fn()
	}()
}

// Pending reports how many keys have queued or running operations.
func (q *DirQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}
