package fingerprint

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/reviewbot/internal/storage"
)

// Memory is a process-local Store
type Memory struct {
	mu      sync.RWMutex
	records map[int64]Record
	now     func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		records: make(map[int64]Record),
		now:     time.Now,
	}
}

func (m *Memory) IsUnchanged(_ context.Context, requestID int64, updatedAt time.Time, trigger string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[requestID]
	if !ok {
		return false, nil
	}
	return unchanged(rec, updatedAt, trigger), nil
}

func (m *Memory) Record(_ context.Context, requestID int64, updatedAt time.Time, trigger string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[requestID] = Record{
		RequestID:             requestID,
		LastReviewedUpdatedAt: storage.Timestamp(updatedAt),
		LastTriggerComment:    trigger,
		RecordedAt:            storage.Timestamp(m.now()),
	}
	return nil
}

func (m *Memory) Get(_ context.Context, requestID int64) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[requestID]
	return rec, ok, nil
}
