package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process RegistryStore used by tests. The mutex keeps
// individual calls memory safe; it does not make read-modify-write atomic.
type MemoryStore struct {
	mu        sync.Mutex
	ledger    []string
	hasLedger bool
	template  []byte
	processes map[string]RawRecord
	maxSeq    int
	layout    Layout
}

func NewMemoryStore(layout Layout) *MemoryStore {
	return &MemoryStore{processes: map[string]RawRecord{}, layout: layout}
}

func (s *MemoryStore) Layout() Layout { return s.layout }

func (s *MemoryStore) ReadLedger(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasLedger {
		return nil, ErrLedgerUnavailable
	}
	return append([]string(nil), s.ledger...), nil
}

func (s *MemoryStore) AppendLedger(ctx context.Context, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasLedger = true
	s.ledger = append(s.ledger, line)
	return nil
}

func (s *MemoryStore) LoadTemplate(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.template == nil {
		return nil, ErrTemplateMissing
	}
	return append([]byte(nil), s.template...), nil
}

func (s *MemoryStore) SaveTemplate(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.template = append([]byte{}, data...)
	return nil
}

func (s *MemoryStore) ListProcesses(ctx context.Context) ([]RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RawRecord, 0, len(s.processes))
	for _, rec := range s.processes {
		rec.Data = append([]byte(nil), rec.Data...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) GetProcess(ctx context.Context, processID string) (RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.processes {
		if rec.ProcessID == processID {
			rec.Data = append([]byte(nil), rec.Data...)
			return rec, nil
		}
	}
	return RawRecord{}, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
}

func (s *MemoryStore) PutProcess(ctx context.Context, rec RawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Key == "" {
		rec.Key = s.layout.Key(rec.ProcessID)
	}
	if rec.ProcessID == "" || rec.Seq == 0 {
		pid, seq, _ := s.layout.ParseKey(rec.Key)
		if rec.ProcessID == "" {
			rec.ProcessID = pid
		}
		if rec.Seq == 0 {
			rec.Seq = seq
		}
	}
	rec.Data = append([]byte(nil), rec.Data...)
	rec.ReadErr = nil
	s.processes[rec.Key] = rec
	if rec.Seq > s.maxSeq {
		s.maxSeq = rec.Seq
	}
	return nil
}

func (s *MemoryStore) NextSequence(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeq + 1, nil
}
