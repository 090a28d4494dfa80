package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	outcome    Outcome
	recorded   bool
	recordedAt time.Time
}

// MemoryLedger is the process-scoped default implementation. A single mutex
// serializes check-then-claim, which is all the scale here needs.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]*memoryEntry),
	}
}

func (l *MemoryLedger) Seen(_ context.Context, messageID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[messageID]
	return ok, nil
}

func (l *MemoryLedger) Claim(_ context.Context, messageID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[messageID]; ok {
		return false, nil
	}
	l.entries[messageID] = &memoryEntry{}
	return true, nil
}

func (l *MemoryLedger) Record(_ context.Context, messageID string, outcome Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[messageID]
	if !ok {
		e = &memoryEntry{}
		l.entries[messageID] = e
	}
	e.outcome = outcome
	e.recorded = true
	e.recordedAt = time.Now()
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[messageID]; ok && !e.recorded {
		delete(l.entries, messageID)
	}
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, messageID string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[messageID]
	if !ok || !e.recorded {
		return nil, nil
	}
	return &Record{MessageID: messageID, Outcome: e.outcome, RecordedAt: e.recordedAt}, nil
}

func (l *MemoryLedger) List(_ context.Context) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	records := make([]Record, 0, len(l.entries))
	for id, e := range l.entries {
		if !e.recorded {
			continue
		}
		records = append(records, Record{MessageID: id, Outcome: e.outcome, RecordedAt: e.recordedAt})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].RecordedAt.Before(records[j].RecordedAt)
	})
	return records, nil
}

func (l *MemoryLedger) Forget(_ context.Context, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, messageID)
	return nil
}
