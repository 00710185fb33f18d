package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/openraffle/raffle-engine/internal/raffle"
)

var (
	_ Store                  = (*MemoryStore)(nil)
	_ raffle.SettlementStore = (*MemoryStore)(nil)
)

// MemoryStore provides a thread-safe in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records []raffle.SettlementRecord
	byID    map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]int),
	}
}

func (s *MemoryStore) CreateSettlement(ctx context.Context, record raffle.SettlementRecord) (raffle.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if _, exists := s.byID[record.ID]; exists {
		return raffle.SettlementRecord{}, fmt.Errorf("settlement %s already exists", record.ID)
	}

	s.byID[record.ID] = len(s.records)
	s.records = append(s.records, record)
	return record, nil
}

func (s *MemoryStore) GetSettlement(ctx context.Context, id string) (raffle.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return raffle.SettlementRecord{}, fmt.Errorf("settlement %s: %w", id, ErrSettlementNotFound)
	}
	return s.records[idx], nil
}

func (s *MemoryStore) ListSettlements(ctx context.Context, limit int) ([]raffle.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > len(s.records) {
		limit = len(s.records)
	}

	// Records are appended in settlement order; return newest first.
	result := make([]raffle.SettlementRecord, limit)
	for i := 0; i < limit; i++ {
		result[i] = s.records[len(s.records)-1-i]
	}
	return result, nil
}

func (s *MemoryStore) LatestSettlement(ctx context.Context) (raffle.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.records) == 0 {
		return raffle.SettlementRecord{}, fmt.Errorf("latest settlement: %w", ErrSettlementNotFound)
	}
	return s.records[len(s.records)-1], nil
}

func (s *MemoryStore) CountSettlements(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}
