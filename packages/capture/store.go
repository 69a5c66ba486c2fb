package capture

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Store is an append-only, arrival-ordered list of items for one module.
type Store struct {
	mu    sync.Mutex
	items []Item
	seq   uint64
}

// Append assigns the next sequence number to item and stores it.
func (s *Store) Append(item Item) Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	item.Seq = s.seq
	s.items = append(s.items, item)
	return item
}

// Snapshot returns copies of every item stored so far.
func (s *Store) Snapshot() []Item {
	s.mu.Lock()
	items := s.items[:len(s.items):len(s.items)]
	s.mu.Unlock()

	result := make([]Item, len(items))
	for i := range items {
		result[i] = items[i].Clone()
	}
	return result
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Clear drops every item. Sequence numbers keep counting.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

// Stats summarizes the latency of a module's recorded exchanges.
type Stats struct {
	Count    int64         `json:"count"`
	Failures int64         `json:"failures"`
	Min      time.Duration `json:"min"`
	Mean     time.Duration `json:"mean"`
	P50      time.Duration `json:"p50"`
	P95      time.Duration `json:"p95"`
	P99      time.Duration `json:"p99"`
	Max      time.Duration `json:"max"`
}

// latency tracks elapsed times in microseconds, up to one minute.
type latency struct {
	mu        sync.Mutex
	histogram *hdrhistogram.Histogram
	failures  int64
}

const maxLatencyUs = 60_000_000

func newLatency() *latency {
	return &latency{histogram: hdrhistogram.New(1, maxLatencyUs, 3)}
}

func (l *latency) record(d time.Duration, failed bool) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	if us > maxLatencyUs {
		us = maxLatencyUs
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.histogram.RecordValue(us)
	if failed {
		l.failures++
	}
}

func (l *latency) snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.histogram.TotalCount() == 0 {
		return Stats{}
	}
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return Stats{
		Count:    l.histogram.TotalCount(),
		Failures: l.failures,
		Min:      us(l.histogram.Min()),
		Mean:     time.Duration(l.histogram.Mean() * float64(time.Microsecond)),
		P50:      us(l.histogram.ValueAtQuantile(50)),
		P95:      us(l.histogram.ValueAtQuantile(95)),
		P99:      us(l.histogram.ValueAtQuantile(99)),
		Max:      us(l.histogram.Max()),
	}
}

func (l *latency) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.histogram.Reset()
	l.failures = 0
}

// Summarize computes latency stats over already recorded items.
func Summarize(items []Item) Stats {
	l := newLatency()
	for _, item := range items {
		l.record(item.Elapsed, !item.Succeeded())
	}
	return l.snapshot()
}
