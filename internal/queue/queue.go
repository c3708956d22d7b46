// killfeed - EVE Online Killmail Ingest & Notification Pipeline
// Copyright 2026 kmwatch
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kmwatch/killfeed

// Package queue implements the bounded in-memory buffer between the
// upstream reader and the batched store writer.
//
// The queue drops the OLDEST event under saturation: newest kill data is
// the most actionable, and bounding memory during burst scenarios
// (large fleet fights) matters more than completeness. This is a
// documented trade-off, observable via the dropped counter.
package queue

import (
	"sync"

	"github.com/kmwatch/killfeed/internal/metrics"
	"github.com/kmwatch/killfeed/internal/models"
)

// Stats is a snapshot of queue counters.
type Stats struct {
	Received uint64 `json:"received_total"`
	Written  uint64 `json:"written_total"`
	Dropped  uint64 `json:"dropped_total"`
	Depth    int    `json:"current_depth"`
}

// Queue is a fixed-capacity ring buffer of killmail events.
// The producer never blocks: Put always accepts the new event,
// evicting the oldest queued event when full.
type Queue struct {
	mu   sync.Mutex
	buf  []models.Killmail
	head int // index of oldest element
	size int

	received uint64
	written  uint64
	dropped  uint64
}

// New creates a queue with the given fixed capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{buf: make([]models.Killmail, capacity)}
}

// Put enqueues an event. Returns false when an older event was evicted
// to make room; the new event is always accepted.
func (q *Queue) Put(km models.Killmail) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.received++
	metrics.QueueReceived.Inc()

	evicted := false
	if q.size == len(q.buf) {
		// Overwrite the oldest slot.
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		evicted = true
		metrics.QueueDropped.Inc()
	}

	tail := (q.head + q.size) % len(q.buf)
	q.buf[tail] = km
	q.size++
	metrics.QueueDepth.Set(float64(q.size))

	return !evicted
}

// Drain removes and returns up to maxBatch of the oldest queued events.
// Returns nil when the queue is empty.
func (q *Queue) Drain(maxBatch int) []models.Killmail {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}
	n := q.size
	if maxBatch > 0 && n > maxBatch {
		n = maxBatch
	}

	out := make([]models.Killmail, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.head = (q.head + n) % len(q.buf)
	q.size -= n
	metrics.QueueDepth.Set(float64(q.size))

	return out
}

// MarkWritten records events committed to the store by the writer.
func (q *Queue) MarkWritten(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.written += uint64(n)
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Received: q.received,
		Written:  q.written,
		Dropped:  q.dropped,
		Depth:    q.size,
	}
}
