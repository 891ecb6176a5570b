package memory

import (
	"context"
	"sync"

	"voicecall-backend/internal/domain"
)

// CallEventRepository keeps the call event log in process memory
type CallEventRepository struct {
	mu     sync.RWMutex
	events map[string][]domain.CallEvent
}

// NewCallEventRepository creates an empty event log
func NewCallEventRepository() *CallEventRepository {
	return &CallEventRepository{events: make(map[string][]domain.CallEvent)}
}

func (r *CallEventRepository) Append(_ context.Context, event *domain.CallEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[event.CallID] = append(r.events[event.CallID], *event)
	return nil
}

func (r *CallEventRepository) ListByCall(_ context.Context, callID string) ([]*domain.CallEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.events[callID]
	out := make([]*domain.CallEvent, len(stored))
	for i := range stored {
		ev := stored[i]
		out[i] = &ev
	}
	return out, nil
}
