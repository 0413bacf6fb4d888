package deid

import (
	"context"
	"sort"
	"sync"
)

// MappingLedger is the append-only store of pseudonym mappings.
type MappingLedger interface {
	// Append stores the whole batch or nothing.
	Append(ctx context.Context, mappings []PseudonymMapping) error
	FindByDocumentID(ctx context.Context, documentID string) ([]PseudonymMapping, error)
	FindByEntityType(ctx context.Context, et EntityType, limit, offset int) ([]PseudonymMapping, int, error)
}

// MemoryLedger keeps mappings in process memory. It backs tests and the
// LEDGER_BACKEND=memory mode; nothing survives a restart.
type MemoryLedger struct {
	mu    sync.RWMutex
	rows  []PseudonymMapping
	byDoc map[string][]int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{byDoc: make(map[string][]int)}
}

func (l *MemoryLedger) Append(_ context.Context, mappings []PseudonymMapping) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range mappings {
		l.byDoc[m.DocumentID] = append(l.byDoc[m.DocumentID], len(l.rows))
		l.rows = append(l.rows, m)
	}
	return nil
}

func (l *MemoryLedger) FindByDocumentID(_ context.Context, documentID string) ([]PseudonymMapping, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.byDoc[documentID]
	out := make([]PseudonymMapping, 0, len(idx))
	for _, i := range idx {
		out = append(out, l.rows[i])
	}
	return out, nil
}

func (l *MemoryLedger) FindByEntityType(_ context.Context, et EntityType, limit, offset int) ([]PseudonymMapping, int, error) {
	// Collected newest insert first so equal timestamps keep that order.
	l.mu.RLock()
	var matched []PseudonymMapping
	for i := len(l.rows) - 1; i >= 0; i-- {
		if l.rows[i].EntityType == et {
			matched = append(matched, l.rows[i])
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if offset >= total {
		return []PseudonymMapping{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}
