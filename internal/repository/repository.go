// Package repository defines the persistence contracts shared by the call
// service and its storage backends.
package repository

import (
	"context"
	"errors"

	"voicecall-backend/internal/domain"
)

var (
	// ErrCallNotFound is returned by writes that target a missing call.
	ErrCallNotFound = errors.New("call not found")
	// ErrCallExists is returned by Add when the call id is taken or a
	// participant already has a live call.
	ErrCallExists = errors.New("call already exists")
	// ErrCallStale is returned by writes whose expected prior status no
	// longer matches the stored call.
	ErrCallStale = errors.New("call changed since it was read")
)

// CallRepository stores call sessions.
//
// Reads return nil (or an empty slice) and a nil error when nothing matches;
// the error is reserved for storage failures. "Live" means pending or active.
type CallRepository interface {
	Add(ctx context.Context, call *domain.CallSession) error

	FindByID(ctx context.Context, callID string) (*domain.CallSession, error)
	FindAll(ctx context.Context) ([]*domain.CallSession, error)
	FindByUser(ctx context.Context, userID string) ([]*domain.CallSession, error)
	// FindActiveByUser returns calls in the active status involving userID.
	FindActiveByUser(ctx context.Context, userID string) ([]*domain.CallSession, error)
	// FindPendingForUser returns pending calls where userID is the receiver.
	FindPendingForUser(ctx context.Context, userID string) ([]*domain.CallSession, error)
	// FindActiveCall returns the live call involving userID, if any.
	FindActiveCall(ctx context.Context, userID string) (*domain.CallSession, error)
	// FindPendingCall returns a pending call between the two users in either direction.
	FindPendingCall(ctx context.Context, callerID, receiverID string) (*domain.CallSession, error)
	// FindPendingStartedBefore returns pending calls whose StartTime is before cutoff (ms).
	FindPendingStartedBefore(ctx context.Context, cutoff int64) ([]*domain.CallSession, error)

	// Update overwrites the mutable fields of a call still stored with status from.
	Update(ctx context.Context, call *domain.CallSession, from domain.CallStatus) error
	// UpdateStatus moves a call from status from to status, writing only the
	// timestamp that status implies: AcceptTime for active, EndTime for
	// terminal statuses.
	UpdateStatus(ctx context.Context, callID string, from, status domain.CallStatus, at int64) error

	Remove(ctx context.Context, callID string) error

	Count(ctx context.Context) (int, error)
	// CountActiveForUser counts live calls involving userID.
	CountActiveForUser(ctx context.Context, userID string) (int, error)
}

// UserDirectory resolves user existence, display names and presence.
type UserDirectory interface {
	// GetUser returns nil, nil when the user does not exist.
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// CallEventRepository appends call lifecycle transitions to the event log.
type CallEventRepository interface {
	Append(ctx context.Context, event *domain.CallEvent) error
	ListByCall(ctx context.Context, callID string) ([]*domain.CallEvent, error)
}
