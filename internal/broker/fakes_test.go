package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/couchbase/gocb/v2"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// testClock reports a settable time; After waits in real time.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: epoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// memoryLog is a Log kept in memory.
type memoryLog struct {
	mu      sync.Mutex
	records map[string]Record
	heads   map[string]int64
	loads   int
	failErr error
}

func newMemoryLog() *memoryLog {
	return &memoryLog{
		records: make(map[string]Record),
		heads:   make(map[string]int64),
	}
}

func (l *memoryLog) Head(_ context.Context, hub, partitionID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heads[HeadKey(hub, partitionID)], nil
}

func (l *memoryLog) CommitHead(_ context.Context, hub, partitionID string, next int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := HeadKey(hub, partitionID)
	if next > l.heads[key] {
		l.heads[key] = next
	}
	return nil
}

func (l *memoryLog) InsertRecord(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[rec.ID]; ok {
		return fmt.Errorf("failed to insert record: %w", gocb.ErrDocumentExists)
	}
	l.records[rec.ID] = rec
	return nil
}

func (l *memoryLog) LoadRecords(_ context.Context, hub, partitionID string, from int64, limit int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	if l.failErr != nil {
		return nil, l.failErr
	}

	var out []Record
	for _, rec := range l.sorted(hub, partitionID) {
		if rec.SequenceNumber >= from && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *memoryLog) SequenceAfter(_ context.Context, hub, partitionID string, t time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.sorted(hub, partitionID) {
		if rec.EnqueuedTime > toMillis(t) {
			return rec.SequenceNumber, nil
		}
	}
	return l.heads[HeadKey(hub, partitionID)], nil
}

func (l *memoryLog) Loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func (l *memoryLog) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failErr = err
}

// sorted must be called with mu held.
func (l *memoryLog) sorted(hub, partitionID string) []Record {
	var out []Record
	for _, rec := range l.records {
		if rec.EventHub == hub && rec.PartitionID == partitionID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out
}

type fakePinger struct {
	mu    sync.Mutex
	err   error
	pings int
}

func (p *fakePinger) Ping(time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings++
	return p.err
}

func (p *fakePinger) Pings() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pings
}
