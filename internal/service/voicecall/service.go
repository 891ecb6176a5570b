package voicecall

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicecall-backend/internal/domain"
	"voicecall-backend/internal/repository"
	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/metrics"
	"voicecall-backend/pkg/push"
	"voicecall-backend/pkg/sanitize"
)

// DefaultHistoryLimit is used by callers that do not pick a history size
const DefaultHistoryLimit = 20

const (
	maxAudioSourceLen   = 32
	maxFailureReasonLen = 256
)

// CallChange describes one committed call transition
type CallChange struct {
	Event      string
	Call       domain.CallSession
	ActorID    string
	CallerName string
}

// Notifier is told about every committed transition, after the service
// releases its lock. Implementations must not call back into the service
// synchronously.
type Notifier interface {
	NotifyCallChange(ctx context.Context, change CallChange)
}

// MissedCallNotifier delivers a push to a receiver who did not answer
type MissedCallNotifier interface {
	SendMissedCallNotification(ctx context.Context, data *push.MissedCallData, receiverID string) error
}

// Service handles voice call signaling business logic
type Service struct {
	mu sync.Mutex

	callRepo  repository.CallRepository
	directory repository.UserDirectory

	notifier   Notifier
	eventLog   repository.CallEventRepository
	missedPush MissedCallNotifier
	metrics    *metrics.Metrics

	now   func() int64
	newID func() string
}

// Option configures optional collaborators of the Service
type Option func(*Service)

// WithNotifier sets the transition listener, usually the signaling hub
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithEventLog records every transition in the call event log
func WithEventLog(r repository.CallEventRepository) Option {
	return func(s *Service) { s.eventLog = r }
}

// WithMissedCallPush sends a push notification when a call rings out
func WithMissedCallPush(n MissedCallNotifier) Option {
	return func(s *Service) { s.missedPush = n }
}

// WithMetrics enables call metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the millisecond clock
func WithClock(now func() int64) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides call id generation
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService creates a new voice call service
func NewService(callRepo repository.CallRepository, directory repository.UserDirectory, opts ...Option) *Service {
	s := &Service{
		callRepo:  callRepo,
		directory: directory,
		now:       func() int64 { return time.Now().UnixMilli() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier installs the transition listener after construction. The hub
// and the service reference each other, so one side has to be wired late.
func (s *Service) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// InitiateCallOutput is returned by InitiateCall
type InitiateCallOutput struct {
	CallID       string            `json:"callId"`
	CallerID     string            `json:"callerId"`
	ReceiverID   string            `json:"receiverId"`
	Status       domain.CallStatus `json:"status"`
	ReceiverName string            `json:"receiverName"`
	AudioSource  string            `json:"audioSource"`
	StartTime    int64             `json:"startTime"`
}

// CallStatusOutput is the full view of a call with resolved display names
type CallStatusOutput struct {
	CallID          string            `json:"callId"`
	CallerID        string            `json:"callerId"`
	ReceiverID      string            `json:"receiverId"`
	Status          domain.CallStatus `json:"status"`
	CallerName      string            `json:"callerName"`
	ReceiverName    string            `json:"receiverName"`
	AudioSource     string            `json:"audioSource"`
	StartTime       int64             `json:"startTime"`
	AcceptTime      int64             `json:"acceptTime"`
	EndTime         int64             `json:"endTime"`
	DurationSeconds int64             `json:"durationSeconds"`
	FailureReason   string            `json:"failureReason,omitempty"`
}

// PendingCallOutput describes a call ringing for the requesting user
type PendingCallOutput struct {
	CallID      string `json:"callId"`
	CallerID    string `json:"callerId"`
	CallerName  string `json:"callerName"`
	AudioSource string `json:"audioSource"`
	StartTime   int64  `json:"startTime"`
}

// InitiateCall creates a pending call from callerID to receiverID
func (s *Service) InitiateCall(ctx context.Context, callerID, receiverID, audioSource string) (*InitiateCallOutput, error) {
	if callerID == "" || receiverID == "" {
		return nil, apperrors.MissingFieldError("receiverId")
	}
	if callerID == receiverID {
		return nil, apperrors.InvalidInputError("Cannot call yourself")
	}

	out, change, err := s.initiate(ctx, callerID, receiverID, sanitize.Label(audioSource, maxAudioSourceLen))
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, change, "")
	return out, nil
}

func (s *Service) initiate(ctx context.Context, callerID, receiverID, audioSource string) (*InitiateCallOutput, *CallChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	caller, err := s.directory.GetUser(ctx, callerID)
	if err != nil {
		return nil, nil, apperrors.DatabaseError(err)
	}
	if caller == nil {
		return nil, nil, apperrors.NotFoundError("Caller not found")
	}

	receiver, err := s.directory.GetUser(ctx, receiverID)
	if err != nil {
		return nil, nil, apperrors.DatabaseError(err)
	}
	if receiver == nil {
		return nil, nil, apperrors.NotFoundError("Receiver not found")
	}

	callerCall, err := s.callRepo.FindActiveCall(ctx, callerID)
	if err != nil {
		return nil, nil, apperrors.DatabaseError(err)
	}
	if callerCall != nil {
		return nil, nil, apperrors.ConflictError("You are already in a call")
	}

	receiverCall, err := s.callRepo.FindActiveCall(ctx, receiverID)
	if err != nil {
		return nil, nil, apperrors.DatabaseError(err)
	}
	if receiverCall != nil {
		return nil, nil, apperrors.ConflictError("Receiver is already in a call")
	}

	pending, err := s.callRepo.FindPendingCall(ctx, callerID, receiverID)
	if err != nil {
		return nil, nil, apperrors.DatabaseError(err)
	}
	if pending != nil {
		return nil, nil, apperrors.ConflictError("Call already pending")
	}

	online, err := s.directory.IsOnline(ctx, receiverID)
	if err != nil {
		return nil, nil, apperrors.DatabaseError(err)
	}
	if !online {
		return nil, nil, apperrors.UnavailableError("Receiver is offline")
	}

	call := domain.NewCallSession(s.newID(), callerID, receiverID, audioSource, s.now())
	if err := s.callRepo.Add(ctx, call); err != nil {
		if errors.Is(err, repository.ErrCallExists) {
			return nil, nil, apperrors.ConflictError("Receiver is already in a call")
		}
		logger.Error("Failed to create call",
			zap.String("caller_id", callerID),
			zap.String("receiver_id", receiverID),
			zap.Error(err))
		return nil, nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to create call", err)
	}

	logger.ForCall(call.CallID).Info("Call initiated",
		zap.String("caller_id", callerID),
		zap.String("receiver_id", receiverID),
		zap.String("audio_source", call.AudioSource))

	out := &InitiateCallOutput{
		CallID:       call.CallID,
		CallerID:     call.CallerID,
		ReceiverID:   call.ReceiverID,
		Status:       call.Status,
		ReceiverName: receiver.NameOrUnknown(),
		AudioSource:  call.AudioSource,
		StartTime:    call.StartTime,
	}
	change := &CallChange{
		Event:      domain.EventInitiate,
		Call:       *call,
		ActorID:    callerID,
		CallerName: caller.NameOrUnknown(),
	}
	return out, change, nil
}

// AcceptCall moves a pending call to active on behalf of its receiver
func (s *Service) AcceptCall(ctx context.Context, callID, userID string) (*CallStatusOutput, error) {
	call, change, err := s.answer(ctx, callID, userID, domain.EventAccept)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, change, domain.CallStatusPending)
	return s.toStatusOutput(ctx, call), nil
}

// RejectCall moves a pending call to rejected on behalf of its receiver
func (s *Service) RejectCall(ctx context.Context, callID, userID string) (*CallStatusOutput, error) {
	call, change, err := s.answer(ctx, callID, userID, domain.EventReject)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, change, domain.CallStatusPending)
	return s.toStatusOutput(ctx, call), nil
}

func (s *Service) answer(ctx context.Context, callID, userID, event string) (*domain.CallSession, *CallChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, err := s.findCall(ctx, callID)
	if err != nil {
		return nil, nil, err
	}

	verb := "accept"
	if event == domain.EventReject {
		verb = "reject"
	}
	if call.ReceiverID != userID {
		return nil, nil, apperrors.ForbiddenError("Only the receiver can " + verb + " the call")
	}
	if !call.IsPending() {
		return nil, nil, apperrors.InvalidStateError("Call is not pending")
	}

	now := s.now()
	if event == domain.EventAccept {
		live, err := s.callRepo.FindActiveCall(ctx, userID)
		if err != nil {
			return nil, nil, apperrors.DatabaseError(err)
		}
		if live != nil && live.CallID != callID {
			return nil, nil, apperrors.ConflictError("You are already in another call")
		}
		err = call.Accept(now)
		if err != nil {
			return nil, nil, apperrors.InvalidStateError("Call is not pending")
		}
	} else if err := call.Reject(now); err != nil {
		return nil, nil, apperrors.InvalidStateError("Call is not pending")
	}

	if err := s.callRepo.Update(ctx, call, domain.CallStatusPending); err != nil {
		if errors.Is(err, repository.ErrCallStale) {
			return nil, nil, apperrors.InvalidStateError("Call is not pending")
		}
		logger.ForCall(callID).Error("Failed to persist call transition",
			zap.String("event", event),
			zap.Error(err))
		return nil, nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to "+verb+" call", err)
	}

	logger.ForCall(callID).Info("Call answered",
		zap.String("event", event),
		zap.String("user_id", userID))

	return call, &CallChange{Event: event, Call: *call, ActorID: userID}, nil
}

// EndCall terminates a pending or active call on behalf of either participant
func (s *Service) EndCall(ctx context.Context, callID, userID string) (*CallStatusOutput, error) {
	call, from, err := s.terminate(ctx, callID, userID, domain.EventEnd, "")
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, &CallChange{Event: domain.EventEnd, Call: *call, ActorID: userID}, from)
	return s.toStatusOutput(ctx, call), nil
}

// FailCall terminates a call because a participant could not carry it,
// for example when its media transport failed to start
func (s *Service) FailCall(ctx context.Context, callID, userID, reason string) (*CallStatusOutput, error) {
	reason = sanitize.Text(reason, maxFailureReasonLen)
	if reason == "" {
		reason = "unspecified"
	}
	call, from, err := s.terminate(ctx, callID, userID, domain.EventFail, reason)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, &CallChange{Event: domain.EventFail, Call: *call, ActorID: userID}, from)
	return s.toStatusOutput(ctx, call), nil
}

func (s *Service) terminate(ctx context.Context, callID, userID, event, reason string) (*domain.CallSession, domain.CallStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, err := s.findCall(ctx, callID)
	if err != nil {
		return nil, "", err
	}
	if !call.InvolvesUser(userID) {
		return nil, "", apperrors.ForbiddenError("You are not a participant of this call")
	}
	if call.HasEnded() {
		return nil, "", apperrors.InvalidStateError("Call has already ended")
	}

	from := call.Status
	now := s.now()
	verb := "end"
	if event == domain.EventFail {
		verb = "fail"
		err = call.Fail(now, reason)
	} else {
		err = call.End(now)
	}
	if err != nil {
		return nil, "", apperrors.InvalidStateError("Call has already ended")
	}

	if err := s.callRepo.Update(ctx, call, from); err != nil {
		if errors.Is(err, repository.ErrCallStale) {
			return nil, "", apperrors.ConflictError("Call was changed by another request, try again")
		}
		logger.ForCall(callID).Error("Failed to persist call termination",
			zap.String("event", event),
			zap.Error(err))
		return nil, "", apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to "+verb+" call", err)
	}

	logger.ForCall(callID).Info("Call terminated",
		zap.String("event", event),
		zap.String("user_id", userID),
		zap.String("from", string(from)),
		zap.Int64("duration_seconds", call.DurationSeconds()),
		zap.String("reason", reason))

	return call, from, nil
}

// ExpirePendingCalls marks calls that have rung longer than ringTimeout as missed
func (s *Service) ExpirePendingCalls(ctx context.Context, ringTimeout time.Duration) ([]*CallStatusOutput, error) {
	expired, err := s.expire(ctx, ringTimeout)
	if err != nil {
		return nil, err
	}

	out := make([]*CallStatusOutput, 0, len(expired))
	for _, call := range expired {
		s.afterTransition(ctx, &CallChange{Event: domain.EventMiss, Call: *call}, domain.CallStatusPending)
		status := s.toStatusOutput(ctx, call)
		s.pushMissedCall(ctx, status)
		out = append(out, status)
	}
	return out, nil
}

func (s *Service) expire(ctx context.Context, ringTimeout time.Duration) ([]*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stale, err := s.callRepo.FindPendingStartedBefore(ctx, now-ringTimeout.Milliseconds())
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	expired := make([]*domain.CallSession, 0, len(stale))
	for _, call := range stale {
		if err := call.Miss(now); err != nil {
			continue
		}
		err := s.callRepo.UpdateStatus(ctx, call.CallID, domain.CallStatusPending, domain.CallStatusMissed, now)
		if errors.Is(err, repository.ErrCallStale) {
			logger.ForCall(call.CallID).Debug("Pending call was answered before it rang out")
			continue
		}
		if err != nil {
			logger.ForCall(call.CallID).Warn("Failed to expire pending call", zap.Error(err))
			continue
		}
		logger.ForCall(call.CallID).Info("Call rang out",
			zap.String("caller_id", call.CallerID),
			zap.String("receiver_id", call.ReceiverID))
		if s.metrics != nil {
			s.metrics.RecordCallExpired()
		}
		expired = append(expired, call)
	}
	return expired, nil
}

func (s *Service) pushMissedCall(ctx context.Context, call *CallStatusOutput) {
	if s.missedPush == nil {
		return
	}
	err := s.missedPush.SendMissedCallNotification(ctx, &push.MissedCallData{
		CallID:     call.CallID,
		CallerID:   call.CallerID,
		CallerName: call.CallerName,
		StartTime:  call.StartTime,
	}, call.ReceiverID)
	if s.metrics != nil {
		if err != nil {
			s.metrics.RecordPushNotificationFailure("missed_call")
		} else {
			s.metrics.RecordPushNotification("missed_call")
		}
	}
	if err != nil {
		logger.ForCall(call.CallID).Warn("Failed to send missed call notification", zap.Error(err))
	}
}

// GetCallStatus returns the call with resolved display names
func (s *Service) GetCallStatus(ctx context.Context, callID string) (*CallStatusOutput, error) {
	call, err := s.findCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	return s.toStatusOutput(ctx, call), nil
}

// GetActiveCall returns the pending or active call involving userID
func (s *Service) GetActiveCall(ctx context.Context, userID string) (*CallStatusOutput, error) {
	call, err := s.callRepo.FindActiveCall(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if call == nil {
		return nil, apperrors.NotFoundError("No active call")
	}
	return s.toStatusOutput(ctx, call), nil
}

// IsUserInCall reports whether userID has a pending or active call
func (s *Service) IsUserInCall(ctx context.Context, userID string) (bool, error) {
	call, err := s.callRepo.FindActiveCall(ctx, userID)
	if err != nil {
		return false, apperrors.DatabaseError(err)
	}
	return call != nil, nil
}

// GetPendingCalls lists calls ringing for userID
func (s *Service) GetPendingCalls(ctx context.Context, userID string) ([]*PendingCallOutput, error) {
	calls, err := s.callRepo.FindPendingForUser(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	out := make([]*PendingCallOutput, 0, len(calls))
	for _, call := range calls {
		out = append(out, &PendingCallOutput{
			CallID:      call.CallID,
			CallerID:    call.CallerID,
			CallerName:  s.displayName(ctx, call.CallerID),
			AudioSource: call.AudioSource,
			StartTime:   call.StartTime,
		})
	}
	return out, nil
}

// GetCallHistory returns finished calls involving userID, most recently
// ended first. A limit of 0 returns every call.
func (s *Service) GetCallHistory(ctx context.Context, userID string, limit int) ([]*CallStatusOutput, error) {
	if limit < 0 {
		return nil, apperrors.InvalidInputError("Limit must not be negative")
	}

	calls, err := s.callRepo.FindByUser(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	ended := make([]*domain.CallSession, 0, len(calls))
	for _, call := range calls {
		if call.HasEnded() {
			ended = append(ended, call)
		}
	}
	sort.SliceStable(ended, func(i, j int) bool {
		return ended[i].EndTime > ended[j].EndTime
	})
	if limit > 0 && len(ended) > limit {
		ended = ended[:limit]
	}

	out := make([]*CallStatusOutput, 0, len(ended))
	for _, call := range ended {
		out = append(out, s.toStatusOutput(ctx, call))
	}
	return out, nil
}

// GetCallEvents returns the recorded transitions of a call to one of its participants
func (s *Service) GetCallEvents(ctx context.Context, callID, userID string) ([]*domain.CallEvent, error) {
	call, err := s.findCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.InvolvesUser(userID) {
		return nil, apperrors.ForbiddenError("You are not a participant of this call")
	}
	if s.eventLog == nil {
		return []*domain.CallEvent{}, nil
	}

	events, err := s.eventLog.ListByCall(ctx, callID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if events == nil {
		events = []*domain.CallEvent{}
	}
	return events, nil
}

func (s *Service) findCall(ctx context.Context, callID string) (*domain.CallSession, error) {
	call, err := s.callRepo.FindByID(ctx, callID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if call == nil {
		return nil, apperrors.NotFoundError("Call not found")
	}
	return call, nil
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	user, err := s.directory.GetUser(ctx, userID)
	if err != nil {
		logger.Debug("Failed to resolve display name",
			zap.String("user_id", userID),
			zap.Error(err))
		return domain.UnknownDisplayName
	}
	return user.NameOrUnknown()
}

func (s *Service) toStatusOutput(ctx context.Context, call *domain.CallSession) *CallStatusOutput {
	return &CallStatusOutput{
		CallID:          call.CallID,
		CallerID:        call.CallerID,
		ReceiverID:      call.ReceiverID,
		Status:          call.Status,
		CallerName:      s.displayName(ctx, call.CallerID),
		ReceiverName:    s.displayName(ctx, call.ReceiverID),
		AudioSource:     call.AudioSource,
		StartTime:       call.StartTime,
		AcceptTime:      call.AcceptTime,
		EndTime:         call.EndTime,
		DurationSeconds: call.DurationSeconds(),
		FailureReason:   call.FailureReason,
	}
}

// afterTransition runs the best-effort side effects of a committed transition
func (s *Service) afterTransition(ctx context.Context, change *CallChange, from domain.CallStatus) {
	call := change.Call

	if s.metrics != nil {
		s.metrics.RecordCallTransition(string(call.Status))
		switch {
		case change.Event == domain.EventInitiate:
			s.metrics.CallOpened()
		case call.Status.IsTerminal():
			s.metrics.CallClosed()
			if d := call.DurationSeconds(); d > 0 {
				s.metrics.RecordCallDuration(d)
			}
			if call.Status == domain.CallStatusFailed {
				s.metrics.RecordCallFailure(string(from))
			}
		}
	}

	if s.eventLog != nil {
		err := s.eventLog.Append(ctx, &domain.CallEvent{
			CallID:     call.CallID,
			Event:      change.Event,
			FromStatus: from,
			ToStatus:   call.Status,
			ActorID:    change.ActorID,
			Reason:     call.FailureReason,
			OccurredAt: s.now(),
		})
		if s.metrics != nil {
			s.metrics.RecordEventLogWrite(err)
		}
		if err != nil {
			logger.ForCall(call.CallID).Warn("Failed to record call event",
				zap.String("event", change.Event),
				zap.Error(err))
		}
	}

	s.mu.Lock()
	notifier := s.notifier
	s.mu.Unlock()
	if notifier != nil {
		notifier.NotifyCallChange(ctx, *change)
	}
}
