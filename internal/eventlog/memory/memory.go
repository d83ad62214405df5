// Package memory provides an in-process EventLog backed by a bounded ring.
//
// Cursors are decimal sequence numbers. Entries that fall off the ring are
// gone; a cursor older than the oldest retained entry resumes at the oldest.
package memory

import (
	"context"
	"errors"
	"iter"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/mbrock/herd/internal/eventlog"
)

// DefaultCapacity is the number of entries retained by New(0).
const DefaultCapacity = 10000

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("eventlog closed")

type entry struct {
	seq    uint64
	record eventlog.EventRecord
}

// Log is a ring-buffered EventLog.
type Log struct {
	mu      sync.Mutex
	ring    []entry
	start   int // index of the oldest entry
	size    int
	seq     uint64
	changed chan struct{}
	closed  bool

	now func() time.Time
}

var _ eventlog.EventLog = (*Log)(nil)

// New creates a log that keeps the last capacity entries.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		ring:    make([]entry, capacity),
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

func (l *Log) Write(message string, fields map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	l.seq++
	rec := eventlog.EventRecord{
		Cursor:    strconv.FormatUint(l.seq, 10),
		Timestamp: l.now(),
		Message:   message,
		Fields:    maps.Clone(fields),
	}
	if rec.Fields == nil {
		rec.Fields = map[string]string{}
	}

	idx := (l.start + l.size) % len(l.ring)
	l.ring[idx] = entry{seq: l.seq, record: rec}
	if l.size < len(l.ring) {
		l.size++
	} else {
		l.start = (l.start + 1) % len(l.ring)
	}

	close(l.changed)
	l.changed = make(chan struct{})
	return nil
}

// Poll returns retained entries after cursor that match filters.
func (l *Log) Poll(ctx context.Context, filters []eventlog.EventFilter, cursor string) ([]eventlog.EventRecord, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, cursor, err
	}
	records, next, _ := l.poll(filters, cursor)
	return records, next, nil
}

// poll also returns the channel that is closed on the next write.
func (l *Log) poll(filters []eventlog.EventFilter, cursor string) ([]eventlog.EventRecord, string, <-chan struct{}) {
	after, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		after = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []eventlog.EventRecord
	for i := 0; i < l.size; i++ {
		e := l.ring[(l.start+i)%len(l.ring)]
		if e.seq <= after || !eventlog.Matches(e.record.Fields, filters) {
			continue
		}
		out = append(out, e.record)
	}

	next := cursor
	if l.seq > after {
		next = strconv.FormatUint(l.seq, 10)
	}
	changed := l.changed
	if l.closed {
		changed = nil
	}
	return out, next, changed
}

// Follow yields matching entries from the oldest retained one onward and
// waits for new entries until ctx is done or the log is closed.
func (l *Log) Follow(ctx context.Context, filters []eventlog.EventFilter) iter.Seq[eventlog.EventRecord] {
	return func(yield func(eventlog.EventRecord) bool) {
		cursor := ""
		for {
			records, next, changed := l.poll(filters, cursor)
			for _, r := range records {
				if !yield(r) {
					return
				}
			}
			cursor = next
			if changed == nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}
}

// Close stops writes and ends all Follow iterators. It is idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.changed)
	}
	return nil
}
