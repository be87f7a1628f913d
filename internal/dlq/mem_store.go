package dlq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linkmeAman/universal-middleware/internal/command"
	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
	"github.com/linkmeAman/universal-middleware/internal/database"
)

// InMemoryStore is a test double for the DLQ store.
type InMemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Park(_ context.Context, _ database.Tx, commandID, commandName, businessKey string, payload json.RawMessage, failedStatus command.Status, errorClass coreerrs.Class, errorMessage, parkedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{
		ID:           uuid.NewString(),
		CommandID:    commandID,
		CommandName:  commandName,
		BusinessKey:  businessKey,
		Payload:      payload,
		FailedStatus: failedStatus,
		ErrorClass:   errorClass,
		ErrorMessage: errorMessage,
		ParkedBy:     parkedBy,
		ParkedAt:     time.Now().UTC(),
	})
	return nil
}

func (s *InMemoryStore) List(_ context.Context, commandName string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if commandName != "" && e.CommandName != commandName {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
