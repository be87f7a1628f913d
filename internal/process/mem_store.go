package process

import (
	"context"
	"sync"
	"time"

	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
	"github.com/linkmeAman/universal-middleware/internal/database"
)

// InMemoryStore is a test double for Store.
type InMemoryStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
	byKey     map[string]string // processType\x00businessKey -> id
	logs      map[string][]LogEntry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: map[string]*Instance{},
		byKey:     map[string]string{},
		logs:      map[string][]LogEntry{},
	}
}

func (s *InMemoryStore) CreateInstance(_ context.Context, _ database.Tx, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	s.instances[inst.ID] = &cp
	s.byKey[inst.ProcessType+"\x00"+inst.BusinessKey] = inst.ID
	return nil
}

func (s *InMemoryStore) UpdateInstance(_ context.Context, _ database.Tx, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return coreerrs.ErrProcessNotFound
	}
	cp := *inst
	cp.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) Find(_ context.Context, id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, coreerrs.ErrProcessNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *InMemoryStore) FindByBusinessKey(_ context.Context, processType, businessKey string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[processType+"\x00"+businessKey]
	if !ok {
		return nil, coreerrs.ErrProcessNotFound
	}
	cp := *s.instances[id]
	return &cp, nil
}

func (s *InMemoryStore) AppendLog(_ context.Context, _ database.Tx, entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Seq = int64(len(s.logs[entry.ProcessID]) + 1)
	entry.At = time.Now().UTC()
	s.logs[entry.ProcessID] = append(s.logs[entry.ProcessID], *entry)
	return nil
}

func (s *InMemoryStore) LogForInstance(_ context.Context, id string) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.logs[id]...), nil
}
