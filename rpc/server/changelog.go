package server

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dPref/lib/storage"
	"github.com/ValentinKolb/dPref/rpc/common"
	"github.com/google/uuid"
)

// ChangeLog keeps the newest change events of a shard in a ring buffer.
// Every record gets a sequence number, starting at 1, that clients use as cursor.
// Sequence numbers are local to the server process and restart with it, the epoch
// tells clients which log a cursor belongs to.
type ChangeLog struct {
	epoch        string
	mu           sync.Mutex
	records      []common.ChangeRecord
	start        int // index of the oldest record
	count        int
	lastSeq      uint64
	lastRevision uint64
	changed      chan struct{} // closed and replaced by every Append
}

// NewChangeLog creates a change log that retains the newest size records
func NewChangeLog(size int) *ChangeLog {
	if size <= 0 {
		size = common.DefaultChangeLogSize
	}
	return &ChangeLog{
		epoch:   uuid.NewString(),
		records: make([]common.ChangeRecord, size),
		changed: make(chan struct{}),
	}
}

// Append adds an event and returns its sequence number. The oldest record is
// dropped if the log is full.
func (l *ChangeLog) Append(event storage.ChangeEvent) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	l.lastRevision = max(l.lastRevision, event.Revision)
	rec := common.NewChangeRecord(l.lastSeq, event)

	if l.count < len(l.records) {
		l.records[(l.start+l.count)%len(l.records)] = rec
		l.count++
	} else {
		l.records[l.start] = rec
		l.start = (l.start + 1) % len(l.records)
	}

	close(l.changed)
	l.changed = make(chan struct{})
	return l.lastSeq
}

// WaitForRevision blocks until an event with at least the given revision was appended
// or ctx is done.
func (l *ChangeLog) WaitForRevision(ctx context.Context, revision uint64) error {
	for {
		l.mu.Lock()
		if l.lastRevision >= revision {
			l.mu.Unlock()
			return nil
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Epoch returns the id of the change log, a new log gets a new id
func (l *ChangeLog) Epoch() string {
	return l.epoch
}

// Head returns the newest sequence number and the highest revision seen
func (l *ChangeLog) Head() (seq, revision uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq, l.lastRevision
}

// Since returns at most limit records with a sequence number above cursor, oldest first,
// and the cursor to continue from. complete is false if records after cursor were already
// dropped, or if cursor is ahead of the log (the server restarted); the oldest retained
// records are returned in both cases.
func (l *ChangeLog) Since(cursor uint64, limit int) (records []common.ChangeRecord, next uint64, complete bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	complete = true
	oldest := l.lastSeq - uint64(l.count) + 1

	if cursor > l.lastSeq {
		cursor = oldest - 1
		complete = false
	}
	from := cursor + 1
	if from < oldest {
		from = oldest
		complete = false
	}
	if from > l.lastSeq || limit <= 0 {
		return nil, from - 1, complete
	}

	n := min(int(l.lastSeq-from+1), limit)
	records = make([]common.ChangeRecord, n)
	offset := int(from - oldest)
	for i := range records {
		records[i] = l.records[(l.start+offset+i)%len(l.records)]
	}
	return records, from - 1 + uint64(n), complete
}
