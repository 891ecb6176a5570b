package memory

import (
	"context"
	"sync"

	"voicecall-backend/internal/domain"
	"voicecall-backend/internal/repository"
)

// CallRepository keeps call sessions in process memory.
// Stored and returned sessions are copies; callers never share state with the store.
type CallRepository struct {
	mu    sync.RWMutex
	calls map[string]domain.CallSession
	order []string
}

// NewCallRepository creates an empty in-memory call repository
func NewCallRepository() *CallRepository {
	return &CallRepository{
		calls: make(map[string]domain.CallSession),
	}
}

// Add stores a new call. It refuses a duplicate id and a second live call for
// either participant.
func (r *CallRepository) Add(ctx context.Context, call *domain.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.CallID]; exists {
		return repository.ErrCallExists
	}
	if call.Status.IsLive() {
		for _, existing := range r.calls {
			if existing.Status.IsLive() &&
				(existing.InvolvesUser(call.CallerID) || existing.InvolvesUser(call.ReceiverID)) {
				return repository.ErrCallExists
			}
		}
	}

	r.calls[call.CallID] = *call
	r.order = append(r.order, call.CallID)
	return nil
}

func (r *CallRepository) FindByID(ctx context.Context, callID string) (*domain.CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, nil
	}
	return &call, nil
}

func (r *CallRepository) FindAll(ctx context.Context) ([]*domain.CallSession, error) {
	return r.filter(func(*domain.CallSession) bool { return true }), nil
}

func (r *CallRepository) FindByUser(ctx context.Context, userID string) ([]*domain.CallSession, error) {
	return r.filter(func(c *domain.CallSession) bool {
		return c.InvolvesUser(userID)
	}), nil
}

func (r *CallRepository) FindActiveByUser(ctx context.Context, userID string) ([]*domain.CallSession, error) {
	return r.filter(func(c *domain.CallSession) bool {
		return c.IsActive() && c.InvolvesUser(userID)
	}), nil
}

func (r *CallRepository) FindPendingForUser(ctx context.Context, userID string) ([]*domain.CallSession, error) {
	return r.filter(func(c *domain.CallSession) bool {
		return c.IsPending() && c.ReceiverID == userID
	}), nil
}

func (r *CallRepository) FindActiveCall(ctx context.Context, userID string) (*domain.CallSession, error) {
	return r.first(func(c *domain.CallSession) bool {
		return c.Status.IsLive() && c.InvolvesUser(userID)
	}), nil
}

func (r *CallRepository) FindPendingCall(ctx context.Context, callerID, receiverID string) (*domain.CallSession, error) {
	return r.first(func(c *domain.CallSession) bool {
		return c.IsPending() && c.IsBetween(callerID, receiverID)
	}), nil
}

func (r *CallRepository) FindPendingStartedBefore(ctx context.Context, cutoff int64) ([]*domain.CallSession, error) {
	return r.filter(func(c *domain.CallSession) bool {
		return c.IsPending() && c.StartTime < cutoff
	}), nil
}

// Update replaces the stored session with the same id
func (r *CallRepository) Update(ctx context.Context, call *domain.CallSession, from domain.CallStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.calls[call.CallID]
	if !ok {
		return repository.ErrCallNotFound
	}
	if stored.Status != from {
		return repository.ErrCallStale
	}
	r.calls[call.CallID] = *call
	return nil
}

// UpdateStatus sets the status and the timestamp implied by it
func (r *CallRepository) UpdateStatus(ctx context.Context, callID string, from, status domain.CallStatus, at int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok {
		return repository.ErrCallNotFound
	}
	if call.Status != from {
		return repository.ErrCallStale
	}
	call.Status = status
	if status == domain.CallStatusActive {
		call.AcceptTime = at
	}
	if status.IsTerminal() {
		call.EndTime = at
	}
	r.calls[callID] = call
	return nil
}

func (r *CallRepository) Remove(ctx context.Context, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[callID]; !ok {
		return repository.ErrCallNotFound
	}
	delete(r.calls, callID)
	for i, id := range r.order {
		if id == callID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *CallRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls), nil
}

func (r *CallRepository) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	return len(r.filter(func(c *domain.CallSession) bool {
		return c.Status.IsLive() && c.InvolvesUser(userID)
	})), nil
}

func (r *CallRepository) filter(match func(*domain.CallSession) bool) []*domain.CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.CallSession, 0)
	for _, id := range r.order {
		call := r.calls[id]
		if match(&call) {
			result = append(result, &call)
		}
	}
	return result
}

func (r *CallRepository) first(match func(*domain.CallSession) bool) *domain.CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		call := r.calls[id]
		if match(&call) {
			return &call
		}
	}
	return nil
}
