// Package timeoutq provides the constant-time timeout bookkeeping used by
// the transport worker loops.
package timeoutq

import (
	"time"

	"k8s.io/klog/v2"
)

// TimeoutQueue tracks one timestamp per outstanding slot and answers "which
// slot timed out first" in constant time. It is an age-ordered doubly-linked
// list threaded through an index array: Push always inserts at the head
// because timestamps are monotonically non-decreasing, Remove unlinks
// directly through the index, and Check inspects only the tail.
//
// The timeout value doubles once the number of timeouts exceeds a threshold,
// and the threshold is raised by a configured increment each time, backing
// off under sustained loss.
type TimeoutQueue struct {
	entries []entry
	head    int
	tail    int

	timeout            time.Duration
	timeoutsCounter    uint64
	timeoutsThreshold  uint64
	thresholdIncrement uint64
}

type entry struct {
	valid     bool
	next      int
	previous  int
	timestamp time.Time
}

// New creates a queue with capacity for numEntries slots. timeout is the
// initial expiry; it doubles whenever the timeouts counter exceeds
// threshold, which then grows by thresholdIncrement.
func New(numEntries int, timeout time.Duration, threshold, thresholdIncrement uint64) *TimeoutQueue {
	q := &TimeoutQueue{
		entries:            make([]entry, numEntries),
		head:               -1,
		tail:               -1,
		timeout:            timeout,
		timeoutsThreshold:  threshold,
		thresholdIncrement: thresholdIncrement,
	}
	for i := range q.entries {
		q.entries[i].next = -1
		q.entries[i].previous = -1
	}
	return q
}

// Push records that the slot at index was (re)armed at timestamp. An
// existing entry for the index is removed first. Timestamps must be
// monotonically non-decreasing across pushes.
func (q *TimeoutQueue) Push(index int, timestamp time.Time) {
	if q.head != -1 && timestamp.Before(q.entries[q.head].timestamp) {
		klog.Fatalf("inserting out-of-order timestamp for slot %d", index)
	}

	q.Remove(index)

	e := &q.entries[index]
	e.valid = true
	e.previous = -1 // newest entry, nothing newer
	e.next = q.head
	e.timestamp = timestamp

	if q.head != -1 {
		q.entries[q.head].previous = index
	}
	q.head = index
	if q.tail == -1 {
		q.tail = index
	}
}

// Remove unlinks the entry at index if present.
func (q *TimeoutQueue) Remove(index int) {
	e := &q.entries[index]
	if !e.valid {
		return
	}
	if e.previous != -1 {
		q.entries[e.previous].next = e.next
	}
	if e.next != -1 {
		q.entries[e.next].previous = e.previous
	}
	if q.head == index {
		q.head = e.next
	}
	if q.tail == index {
		q.tail = e.previous
	}
	e.next = -1
	e.previous = -1
	e.valid = false
}

// Check returns the index of the slot that timed out first, or -1 if no slot
// has timed out at the given timestamp. The caller is expected to
// retransmit and Push the slot again.
func (q *TimeoutQueue) Check(timestamp time.Time) int {
	if q.tail == -1 {
		return -1
	}
	if timestamp.Sub(q.entries[q.tail].timestamp) <= q.timeout {
		return -1
	}
	q.timeoutsCounter++
	if q.timeoutsCounter > q.timeoutsThreshold {
		// Back off: double the timeout and raise the bar for the next
		// doubling.
		q.timeoutsCounter = 0
		q.timeout *= 2
		q.timeoutsThreshold += q.thresholdIncrement
	}
	return q.tail
}

// Timeout returns the current timeout value after any backoff doublings.
func (q *TimeoutQueue) Timeout() time.Duration { return q.timeout }
