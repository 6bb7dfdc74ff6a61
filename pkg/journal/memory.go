package journal

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryJournal keeps encoded records in memory. It is used by tests and
// the demo, and behaves like the durable journals (records are copied in
// and out so callers cannot mutate history).
type MemoryJournal struct {
	mu      sync.Mutex
	records [][]byte
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	rec.Seq = uint64(len(j.records)) + 1
	b, err := json.Marshal(rec)
	if err != nil {
		rec.Seq = 0
		return err
	}
	j.records = append(j.records, b)
	return nil
}

func (j *MemoryJournal) Replay(ctx context.Context, fn func(*Record) error) error {
	j.mu.Lock()
	snapshot := append([][]byte(nil), j.records...)
	j.mu.Unlock()

	for _, b := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of records.
func (j *MemoryJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

func (j *MemoryJournal) Close() error { return nil }
