package voicecall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"voicecall-backend/internal/domain"
	"voicecall-backend/internal/repository"
	"voicecall-backend/internal/repository/memory"
	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/push"
)

// MockCallRepository is a mock implementation of repository.CallRepository
type MockCallRepository struct {
	mock.Mock
}

func (m *MockCallRepository) Add(ctx context.Context, call *domain.CallSession) error {
	return m.Called(ctx, call).Error(0)
}

func (m *MockCallRepository) FindByID(ctx context.Context, callID string) (*domain.CallSession, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockCallRepository) FindAll(ctx context.Context) ([]*domain.CallSession, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockCallRepository) FindByUser(ctx context.Context, userID string) ([]*domain.CallSession, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockCallRepository) FindActiveByUser(ctx context.Context, userID string) ([]*domain.CallSession, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockCallRepository) FindPendingForUser(ctx context.Context, userID string) ([]*domain.CallSession, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockCallRepository) FindActiveCall(ctx context.Context, userID string) (*domain.CallSession, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockCallRepository) FindPendingCall(ctx context.Context, callerID, receiverID string) (*domain.CallSession, error) {
	args := m.Called(ctx, callerID, receiverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockCallRepository) FindPendingStartedBefore(ctx context.Context, cutoff int64) ([]*domain.CallSession, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockCallRepository) Update(ctx context.Context, call *domain.CallSession, from domain.CallStatus) error {
	return m.Called(ctx, call, from).Error(0)
}

func (m *MockCallRepository) UpdateStatus(ctx context.Context, callID string, from, status domain.CallStatus, at int64) error {
	return m.Called(ctx, callID, from, status, at).Error(0)
}

func (m *MockCallRepository) Remove(ctx context.Context, callID string) error {
	return m.Called(ctx, callID).Error(0)
}

func (m *MockCallRepository) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockCallRepository) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

// MockUserDirectory is a mock implementation of repository.UserDirectory
type MockUserDirectory struct {
	mock.Mock
}

func (m *MockUserDirectory) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserDirectory) IsOnline(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

var (
	_ repository.CallRepository = (*MockCallRepository)(nil)
	_ repository.UserDirectory  = (*MockUserDirectory)(nil)
)

type recordingNotifier struct {
	mu      sync.Mutex
	changes []CallChange
}

func (n *recordingNotifier) NotifyCallChange(_ context.Context, change CallChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
}

func (n *recordingNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.changes))
	for i, c := range n.changes {
		out[i] = c.Event
	}
	return out
}

type fakeClock struct {
	ms atomic.Int64
}

func newFakeClock(start int64) *fakeClock {
	c := &fakeClock{}
	c.ms.Store(start)
	return c
}

func (c *fakeClock) Now() int64 { return c.ms.Load() }
func (c *fakeClock) Advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

type fixture struct {
	svc       *Service
	calls     *memory.CallRepository
	directory *memory.Directory
	events    *memory.CallEventRepository
	notifier  *recordingNotifier
	clock     *fakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		calls:     memory.NewCallRepository(),
		directory: memory.NewDirectory(),
		events:    memory.NewCallEventRepository(),
		notifier:  &recordingNotifier{},
		clock:     newFakeClock(1_700_000_000_000),
	}
	for _, u := range []struct{ id, name string }{
		{"alice", "Alice"}, {"bob", "Bob"}, {"carol", "Carol"}, {"dave", "Dave"},
	} {
		f.directory.AddUser(u.id, u.name)
		require.NoError(t, f.directory.SetUserOnline(ctx, u.id))
	}

	var seq atomic.Int64
	base := []Option{
		WithNotifier(f.notifier),
		WithEventLog(f.events),
		WithClock(f.clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("call-%d", seq.Add(1)) }),
	}
	f.svc = NewService(f.calls, f.directory, append(base, opts...)...)
	return f
}

func requireCode(t *testing.T, err error, code apperrors.ErrorCode, message string) {
	t.Helper()
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	assert.Equal(t, code, appErr.Code)
	if message != "" {
		assert.Equal(t, message, appErr.Message)
	}
}

func TestCallLifecycle_AcceptThenEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.InitiateCall(ctx, "alice", "bob", "")
	require.NoError(t, err)
	assert.Equal(t, "call-1", out.CallID)
	assert.Equal(t, "alice", out.CallerID)
	assert.Equal(t, "bob", out.ReceiverID)
	assert.Equal(t, domain.CallStatusPending, out.Status)
	assert.Equal(t, "Bob", out.ReceiverName)
	assert.Equal(t, domain.DefaultAudioSource, out.AudioSource)
	assert.Equal(t, f.clock.Now(), out.StartTime)

	f.clock.Advance(2 * time.Second)
	accepted, err := f.svc.AcceptCall(ctx, out.CallID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, accepted.Status)
	assert.Equal(t, f.clock.Now(), accepted.AcceptTime)
	assert.Zero(t, accepted.EndTime)
	assert.Zero(t, accepted.DurationSeconds)

	f.clock.Advance(65 * time.Second)
	ended, err := f.svc.EndCall(ctx, out.CallID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.Equal(t, f.clock.Now(), ended.EndTime)
	assert.Equal(t, int64(65), ended.DurationSeconds)
	assert.Equal(t, "Alice", ended.CallerName)
	assert.Equal(t, "Bob", ended.ReceiverName)

	assert.Equal(t, []string{domain.EventInitiate, domain.EventAccept, domain.EventEnd}, f.notifier.events())

	logged, err := f.events.ListByCall(ctx, out.CallID)
	require.NoError(t, err)
	require.Len(t, logged, 3)
	assert.Equal(t, domain.CallStatusPending, logged[1].FromStatus)
	assert.Equal(t, domain.CallStatusActive, logged[1].ToStatus)
	assert.Equal(t, "alice", logged[2].ActorID)
}

func TestInitiateCall_ReceiverAlreadyInCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.InitiateCall(ctx, "carol", "bob", "")
	require.NoError(t, err)
	_, err = f.svc.AcceptCall(ctx, first.CallID, "bob")
	require.NoError(t, err)

	_, err = f.svc.InitiateCall(ctx, "alice", "bob", "")
	requireCode(t, err, apperrors.ErrCodeConflict, "Receiver is already in a call")
}

func TestInitiateCall_Validation(t *testing.T) {
	ctx := context.Background()

	t.Run("self call", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.InitiateCall(ctx, "alice", "alice", "")
		requireCode(t, err, apperrors.ErrCodeInvalidInput, "Cannot call yourself")
	})

	t.Run("unknown caller", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.InitiateCall(ctx, "mallory", "bob", "")
		requireCode(t, err, apperrors.ErrCodeNotFound, "Caller not found")
	})

	t.Run("unknown receiver", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.InitiateCall(ctx, "alice", "mallory", "")
		requireCode(t, err, apperrors.ErrCodeNotFound, "Receiver not found")
	})

	t.Run("caller busy", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.InitiateCall(ctx, "alice", "carol", "")
		require.NoError(t, err)
		_, err = f.svc.InitiateCall(ctx, "alice", "bob", "")
		requireCode(t, err, apperrors.ErrCodeConflict, "You are already in a call")
	})

	t.Run("receiver offline", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.directory.SetUserOffline(ctx, "bob"))
		_, err := f.svc.InitiateCall(ctx, "alice", "bob", "")
		requireCode(t, err, apperrors.ErrCodeUnavailable, "Receiver is offline")
	})

	t.Run("missing receiver id", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.InitiateCall(ctx, "alice", "", "")
		requireCode(t, err, apperrors.ErrCodeMissingField, "")
	})
}

func TestInitiateCall_PendingPairWithMocks(t *testing.T) {
	calls := new(MockCallRepository)
	users := new(MockUserDirectory)
	svc := NewService(calls, users)
	ctx := context.Background()

	users.On("GetUser", mock.Anything, "alice").Return(&domain.User{UserID: "alice", DisplayName: "Alice"}, nil)
	users.On("GetUser", mock.Anything, "bob").Return(&domain.User{UserID: "bob", DisplayName: "Bob"}, nil)
	calls.On("FindActiveCall", mock.Anything, "alice").Return(nil, nil)
	calls.On("FindActiveCall", mock.Anything, "bob").Return(nil, nil)
	calls.On("FindPendingCall", mock.Anything, "alice", "bob").
		Return(domain.NewCallSession("c0", "bob", "alice", "", 1), nil)

	_, err := svc.InitiateCall(ctx, "alice", "bob", "")
	requireCode(t, err, apperrors.ErrCodeConflict, "Call already pending")
	calls.AssertNotCalled(t, "Add", mock.Anything, mock.Anything)
}

func TestInitiateCall_RepositoryFailures(t *testing.T) {
	ctx := context.Background()

	setup := func() (*MockCallRepository, *MockUserDirectory, *Service) {
		calls := new(MockCallRepository)
		users := new(MockUserDirectory)
		users.On("GetUser", mock.Anything, "alice").Return(&domain.User{UserID: "alice", DisplayName: "Alice"}, nil)
		users.On("GetUser", mock.Anything, "bob").Return(&domain.User{UserID: "bob", DisplayName: "Bob"}, nil)
		users.On("IsOnline", mock.Anything, "bob").Return(true, nil)
		calls.On("FindActiveCall", mock.Anything, mock.Anything).Return(nil, nil)
		calls.On("FindPendingCall", mock.Anything, "alice", "bob").Return(nil, nil)
		return calls, users, NewService(calls, users)
	}

	t.Run("write failure", func(t *testing.T) {
		calls, _, svc := setup()
		calls.On("Add", mock.Anything, mock.AnythingOfType("*domain.CallSession")).Return(errors.New("disk full"))

		_, err := svc.InitiateCall(ctx, "alice", "bob", "")
		requireCode(t, err, apperrors.ErrCodeInternal, "Failed to create call")
	})

	t.Run("lost race to another instance", func(t *testing.T) {
		calls, _, svc := setup()
		calls.On("Add", mock.Anything, mock.AnythingOfType("*domain.CallSession")).Return(repository.ErrCallExists)

		_, err := svc.InitiateCall(ctx, "alice", "bob", "")
		requireCode(t, err, apperrors.ErrCodeConflict, "")
	})

	t.Run("read failure", func(t *testing.T) {
		calls := new(MockCallRepository)
		users := new(MockUserDirectory)
		users.On("GetUser", mock.Anything, "alice").Return(nil, errors.New("connection reset"))

		_, err := NewService(calls, users).InitiateCall(ctx, "alice", "bob", "")
		requireCode(t, err, apperrors.ErrCodeDatabase, "")
	})
}

func TestAcceptCall_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.AcceptCall(ctx, "nope", "bob")
		requireCode(t, err, apperrors.ErrCodeNotFound, "Call not found")
	})

	t.Run("caller cannot accept", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.svc.InitiateCall(ctx, "alice", "bob", "")
		require.NoError(t, err)

		_, err = f.svc.AcceptCall(ctx, out.CallID, "alice")
		requireCode(t, err, apperrors.ErrCodeForbidden, "Only the receiver can accept the call")

		status, err := f.svc.GetCallStatus(ctx, out.CallID)
		require.NoError(t, err)
		assert.Equal(t, domain.CallStatusPending, status.Status)
	})

	t.Run("not pending", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.svc.InitiateCall(ctx, "alice", "bob", "")
		require.NoError(t, err)
		_, err = f.svc.AcceptCall(ctx, out.CallID, "bob")
		require.NoError(t, err)

		_, err = f.svc.AcceptCall(ctx, out.CallID, "bob")
		requireCode(t, err, apperrors.ErrCodeInvalidState, "Call is not pending")
	})

	t.Run("receiver busy with another call", func(t *testing.T) {
		calls := new(MockCallRepository)
		svc := NewService(calls, new(MockUserDirectory))

		pending := domain.NewCallSession("c1", "alice", "bob", "", 1)
		other := domain.NewCallSession("c2", "bob", "carol", "", 1)
		calls.On("FindByID", mock.Anything, "c1").Return(pending, nil)
		calls.On("FindActiveCall", mock.Anything, "bob").Return(other, nil)

		_, err := svc.AcceptCall(ctx, "c1", "bob")
		requireCode(t, err, apperrors.ErrCodeConflict, "You are already in another call")
		calls.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("write failure", func(t *testing.T) {
		calls := new(MockCallRepository)
		svc := NewService(calls, new(MockUserDirectory))

		pending := domain.NewCallSession("c1", "alice", "bob", "", 1)
		calls.On("FindByID", mock.Anything, "c1").Return(pending, nil)
		calls.On("FindActiveCall", mock.Anything, "bob").Return(pending, nil)
		calls.On("Update", mock.Anything, mock.Anything, domain.CallStatusPending).Return(errors.New("timeout"))

		_, err := svc.AcceptCall(ctx, "c1", "bob")
		requireCode(t, err, apperrors.ErrCodeInternal, "Failed to accept call")
	})
}

func TestRejectCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.InitiateCall(ctx, "alice", "bob", "")
	require.NoError(t, err)

	_, err = f.svc.RejectCall(ctx, out.CallID, "alice")
	requireCode(t, err, apperrors.ErrCodeForbidden, "Only the receiver can reject the call")

	rejected, err := f.svc.RejectCall(ctx, out.CallID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, rejected.Status)
	assert.NotZero(t, rejected.EndTime)
	assert.Zero(t, rejected.AcceptTime)

	_, err = f.svc.RejectCall(ctx, out.CallID, "bob")
	requireCode(t, err, apperrors.ErrCodeInvalidState, "Call is not pending")

	inCall, err := f.svc.IsUserInCall(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, inCall)
}

func TestEndCall_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.InitiateCall(ctx, "alice", "bob", "")
	require.NoError(t, err)

	_, err = f.svc.EndCall(ctx, out.CallID, "carol")
	requireCode(t, err, apperrors.ErrCodeForbidden, "You are not a participant of this call")

	ended, err := f.svc.EndCall(ctx, out.CallID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.Zero(t, ended.DurationSeconds, "a call ended while ringing has no talk time")

	_, err = f.svc.EndCall(ctx, out.CallID, "alice")
	requireCode(t, err, apperrors.ErrCodeInvalidState, "Call has already ended")

	_, err = f.svc.EndCall(ctx, "missing", "alice")
	requireCode(t, err, apperrors.ErrCodeNotFound, "Call not found")
}

func TestFailCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.InitiateCall(ctx, "alice", "bob", "")
	require.NoError(t, err)
	_, err = f.svc.AcceptCall(ctx, out.CallID, "bob")
	require.NoError(t, err)

	_, err = f.svc.FailCall(ctx, out.CallID, "carol", "transport")
	requireCode(t, err, apperrors.ErrCodeForbidden, "")

	failed, err := f.svc.FailCall(ctx, out.CallID, "bob", "transport start failed")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusFailed, failed.Status)
	assert.Equal(t, "transport start failed", failed.FailureReason)

	_, err = f.svc.FailCall(ctx, out.CallID, "bob", "again")
	requireCode(t, err, apperrors.ErrCodeInvalidState, "Call has already ended")

	logged, err := f.events.ListByCall(ctx, out.CallID)
	require.NoError(t, err)
	assert.Equal(t, "transport start failed", logged[len(logged)-1].Reason)
}

func TestFailCall_CleansClientText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.InitiateCall(ctx, "alice", "bob", "usb headset;")
	require.NoError(t, err)
	assert.Equal(t, "usbheadset", out.AudioSource)

	failed, err := f.svc.FailCall(ctx, out.CallID, "alice", "  <i>no</i> route\x00 ")
	require.NoError(t, err)
	assert.Equal(t, "no route", failed.FailureReason)
}

func TestExpirePendingCalls(t *testing.T) {
	provider := &push.MockProvider{}
	tokens := &staticTokens{tokens: map[string][]*push.Token{
		"bob": {{UserID: "bob", Token: "device-1", Active: true}},
	}}
	f := newFixture(t, WithMissedCallPush(push.NewService(provider, tokens)))
	ctx := context.Background()

	stale, err := f.svc.InitiateCall(ctx, "alice", "bob", "")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	fresh, err := f.svc.InitiateCall(ctx, "carol", "dave", "")
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	expired, err := f.svc.ExpirePendingCalls(ctx, 45*time.Second)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.CallID, expired[0].CallID)
	assert.Equal(t, domain.CallStatusMissed, expired[0].Status)
	assert.Equal(t, f.clock.Now(), expired[0].EndTime)

	status, err := f.svc.GetCallStatus(ctx, fresh.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusPending, status.Status)

	sent := provider.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "You missed a call from Alice", sent[0].Body)
	assert.Contains(t, f.notifier.events(), domain.EventMiss)

	// bob is free again once the call rang out
	_, err = f.svc.InitiateCall(ctx, "alice", "bob", "")
	assert.NoError(t, err)
}

type staticTokens struct {
	tokens map[string][]*push.Token
}

func (s *staticTokens) Store(context.Context, *push.Token) error { return nil }
func (s *staticTokens) GetByUserID(_ context.Context, userID string) ([]*push.Token, error) {
	return s.tokens[userID], nil
}
func (s *staticTokens) Delete(context.Context, string, string) error { return nil }

func TestQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetActiveCall(ctx, "alice")
	requireCode(t, err, apperrors.ErrCodeNotFound, "No active call")

	out, err := f.svc.InitiateCall(ctx, "alice", "bob", "speaker")
	require.NoError(t, err)

	pending, err := f.svc.GetPendingCalls(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Alice", pending[0].CallerName)
	assert.Equal(t, "speaker", pending[0].AudioSource)

	none, err := f.svc.GetPendingCalls(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, none)

	active, err := f.svc.GetActiveCall(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, out.CallID, active.CallID)

	inCall, err := f.svc.IsUserInCall(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, inCall)
}

func TestGetCallStatus_UnknownUserName(t *testing.T) {
	calls := new(MockCallRepository)
	users := new(MockUserDirectory)
	svc := NewService(calls, users)

	calls.On("FindByID", mock.Anything, "c1").Return(domain.NewCallSession("c1", "alice", "ghost", "", 1), nil)
	users.On("GetUser", mock.Anything, "alice").Return(&domain.User{UserID: "alice", DisplayName: "Alice"}, nil)
	users.On("GetUser", mock.Anything, "ghost").Return(nil, nil)

	status, err := svc.GetCallStatus(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", status.CallerName)
	assert.Equal(t, domain.UnknownDisplayName, status.ReceiverName)
}

func TestGetCallHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for _, peer := range []string{"bob", "carol", "dave"} {
		out, err := f.svc.InitiateCall(ctx, "alice", peer, "")
		require.NoError(t, err)
		f.clock.Advance(time.Second)
		_, err = f.svc.EndCall(ctx, out.CallID, "alice")
		require.NoError(t, err)
		ids = append(ids, out.CallID)
	}
	live, err := f.svc.InitiateCall(ctx, "alice", "bob", "")
	require.NoError(t, err)

	all, err := f.svc.GetCallHistory(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{all[0].CallID, all[1].CallID, all[2].CallID})
	for _, c := range all {
		assert.NotEqual(t, live.CallID, c.CallID)
	}

	limited, err := f.svc.GetCallHistory(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	bobs, err := f.svc.GetCallHistory(ctx, "bob", DefaultHistoryLimit)
	require.NoError(t, err)
	assert.Len(t, bobs, 1)

	_, err = f.svc.GetCallHistory(ctx, "alice", -1)
	requireCode(t, err, apperrors.ErrCodeInvalidInput, "")
}

func TestGetCallEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.InitiateCall(ctx, "alice", "bob", "")
	require.NoError(t, err)

	events, err := f.svc.GetCallEvents(ctx, out.CallID, "bob")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventInitiate, events[0].Event)

	_, err = f.svc.GetCallEvents(ctx, out.CallID, "carol")
	requireCode(t, err, apperrors.ErrCodeForbidden, "")
}

func TestConcurrentInitiate_OneLiveCallPerUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	callers := []string{"alice", "carol", "dave"}
	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for _, caller := range callers {
		wg.Add(1)
		go func(caller string) {
			defer wg.Done()
			if _, err := f.svc.InitiateCall(ctx, caller, "bob", ""); err == nil {
				succeeded.Add(1)
			}
		}(caller)
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	count, err := f.calls.CountActiveForUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// interleavedCalls lets a second writer commit between a read and the
// write that follows it, the way another instance sharing the store would
type interleavedCalls struct {
	*memory.CallRepository
	once  sync.Once
	inter func()
}

func (r *interleavedCalls) FindByID(ctx context.Context, callID string) (*domain.CallSession, error) {
	call, err := r.CallRepository.FindByID(ctx, callID)
	r.once.Do(r.inter)
	return call, err
}

func TestTransitions_LoseRaceToAnotherInstance(t *testing.T) {
	ctx := context.Background()

	t.Run("accept after the call rang out", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.svc.InitiateCall(ctx, "alice", "bob", "")
		require.NoError(t, err)
		f.clock.Advance(50 * time.Second)

		shared := &interleavedCalls{CallRepository: f.calls, inter: func() {
			expired, err := f.svc.ExpirePendingCalls(ctx, 45*time.Second)
			require.NoError(t, err)
			require.Len(t, expired, 1)
		}}
		other := NewService(shared, f.directory, WithClock(f.clock.Now))

		_, err = other.AcceptCall(ctx, out.CallID, "bob")
		requireCode(t, err, apperrors.ErrCodeInvalidState, "Call is not pending")

		stored, err := f.calls.FindByID(ctx, out.CallID)
		require.NoError(t, err)
		assert.Equal(t, domain.CallStatusMissed, stored.Status)
		assert.Zero(t, stored.AcceptTime)
	})

	t.Run("end while the call is being accepted", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.svc.InitiateCall(ctx, "alice", "bob", "")
		require.NoError(t, err)

		shared := &interleavedCalls{CallRepository: f.calls, inter: func() {
			_, err := f.svc.AcceptCall(ctx, out.CallID, "bob")
			require.NoError(t, err)
		}}
		other := NewService(shared, f.directory, WithClock(f.clock.Now))

		_, err = other.EndCall(ctx, out.CallID, "alice")
		requireCode(t, err, apperrors.ErrCodeConflict, "Call was changed by another request, try again")

		stored, err := f.calls.FindByID(ctx, out.CallID)
		require.NoError(t, err)
		assert.Equal(t, domain.CallStatusActive, stored.Status)
		assert.Zero(t, stored.EndTime)
	})

	t.Run("sweeper skips a call answered meanwhile", func(t *testing.T) {
		calls := new(MockCallRepository)
		svc := NewService(calls, new(MockUserDirectory))

		ringing := domain.NewCallSession("c1", "alice", "bob", "", 1)
		calls.On("FindPendingStartedBefore", mock.Anything, mock.Anything).Return([]*domain.CallSession{ringing}, nil)
		calls.On("UpdateStatus", mock.Anything, "c1", domain.CallStatusPending, domain.CallStatusMissed, mock.Anything).
			Return(repository.ErrCallStale)

		expired, err := svc.ExpirePendingCalls(ctx, time.Second)
		require.NoError(t, err)
		assert.Empty(t, expired)
	})
}
