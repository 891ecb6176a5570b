package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"voicecall-backend/pkg/constants"
	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/signaling"
)

// ErrNotRunning is returned by commands issued while Run is not looping
var ErrNotRunning = errors.New("orchestrator is not running")

// Signaler sends requests to the signaling server and exposes its pushes
type Signaler interface {
	Request(ctx context.Context, msgType string, payload any) (*signaling.Envelope, error)
	Events() <-chan *signaling.Envelope
}

// MediaTransport moves audio between the local device and the peer
type MediaTransport interface {
	Init(requestedPort int) (int, error)
	StartStreaming(targetAddress string, targetPort int) error
	Stop()
	Close()
	IsActive() bool
}

// OrchestratorConfig tunes the orchestrator loop
type OrchestratorConfig struct {
	PollInterval  time.Duration
	AudioPort     int
	AdvertiseHost string
	AudioSource   string
}

type command struct {
	run   func(ctx context.Context) error
	reply chan error
}

// Orchestrator drives the client side of a call. It is the only component
// that issues call requests and the only one that starts or stops the
// media transport; both happen on the Run goroutine.
type Orchestrator struct {
	signaler  Signaler
	transport MediaTransport
	prompter  Prompter
	cfg       OrchestratorConfig

	commands chan command
	stopped  chan struct{}

	// owned by the Run goroutine
	state     CallState
	streaming bool

	snapshotMu sync.RWMutex
	snapshot   CallState
}

// NewOrchestrator creates an orchestrator in the idle phase
func NewOrchestrator(signaler Signaler, transport MediaTransport, prompter Prompter, cfg OrchestratorConfig) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.DefaultPollInterval
	}
	if prompter == nil {
		prompter = AutoPrompter{Accept: false}
	}
	return &Orchestrator{
		signaler:  signaler,
		transport: transport,
		prompter:  prompter,
		cfg:       cfg,
		commands:  make(chan command),
		stopped:   make(chan struct{}),
		state:     idleState(),
		snapshot:  idleState(),
	}
}

// State returns the latest call state
func (o *Orchestrator) State() CallState {
	o.snapshotMu.RLock()
	defer o.snapshotMu.RUnlock()
	return o.snapshot
}

// Run polls pushes and reconciles the transport until ctx is cancelled.
// A call still in progress at exit is ended.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.stopped)
	defer o.shutdown()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-o.commands:
			err := cmd.run(ctx)
			o.reconcile(ctx)
			cmd.reply <- err
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// Dial calls receiverID
func (o *Orchestrator) Dial(ctx context.Context, receiverID string) error {
	return o.submit(ctx, func(loopCtx context.Context) error {
		return o.dial(loopCtx, receiverID)
	})
}

// Hangup ends, cancels or declines the current call
func (o *Orchestrator) Hangup(ctx context.Context) error {
	return o.submit(ctx, o.hangup)
}

func (o *Orchestrator) submit(ctx context.Context, fn func(context.Context) error) error {
	cmd := command{run: fn, reply: make(chan error, 1)}

	select {
	case o.commands <- cmd:
	case <-o.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick drains queued pushes, then aligns the transport with the state
func (o *Orchestrator) tick(ctx context.Context) {
	events := o.signaler.Events()
	for {
		select {
		case env, ok := <-events:
			if !ok {
				o.reconcile(ctx)
				return
			}
			o.handleEvent(ctx, env)
		default:
			o.reconcile(ctx)
			return
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, env *signaling.Envelope) {
	switch env.Type {
	case signaling.TypeCallIncoming:
		var p signaling.IncomingPayload
		if err := env.Decode(&p); err != nil {
			logger.Warn("Ignoring malformed push", zap.Error(err))
			return
		}
		o.onIncoming(ctx, p)

	case signaling.TypeCallAccepted:
		var p signaling.AcceptedPayload
		if err := env.Decode(&p); err != nil {
			logger.Warn("Ignoring malformed push", zap.Error(err))
			return
		}
		if o.state.Phase != PhaseOutgoing || o.state.CallID != p.CallID {
			logger.Debug("Ignoring acceptance for another call", zap.String("call_id", p.CallID))
			return
		}
		o.state.Phase = PhaseInCall
		o.state.PeerHost = p.UDPHost
		o.state.PeerPort = p.UDPPort
		o.publish()
		logger.Info("Call accepted", zap.String("call_id", p.CallID), zap.String("peer_id", o.state.PeerID))

	case signaling.TypeCallRejected:
		var p signaling.RejectedPayload
		if err := env.Decode(&p); err != nil {
			logger.Warn("Ignoring malformed push", zap.Error(err))
			return
		}
		if o.state.CallID != p.CallID {
			return
		}
		logger.Info("Call rejected", zap.String("call_id", p.CallID))
		o.reset()

	case signaling.TypeCallEnded:
		var p signaling.EndedPayload
		if err := env.Decode(&p); err != nil {
			logger.Warn("Ignoring malformed push", zap.Error(err))
			return
		}
		if o.state.CallID != p.CallID {
			return
		}
		logger.Info("Call ended",
			zap.String("call_id", p.CallID),
			zap.String("status", p.Status),
			zap.String("ended_by", p.EndedBy))
		o.reset()

	default:
		logger.Debug("Ignoring push", zap.String("type", env.Type))
	}
}

func (o *Orchestrator) onIncoming(ctx context.Context, p signaling.IncomingPayload) {
	if !o.state.Idle() {
		logger.Warn("Incoming call while busy", zap.String("call_id", p.CallID))
		return
	}

	o.state = CallState{
		Phase:    PhaseIncoming,
		Role:     RoleReceiver,
		CallID:   p.CallID,
		PeerID:   p.CallerID,
		PeerName: p.CallerName,
		PeerHost: p.UDPHost,
		PeerPort: p.UDPPort,
	}
	o.publish()

	incoming := IncomingCall{
		CallID:      p.CallID,
		CallerID:    p.CallerID,
		CallerName:  p.CallerName,
		AudioSource: p.AudioSource,
	}
	if o.prompter.Decide(ctx, incoming) {
		o.accept(ctx)
	} else {
		o.reject(ctx)
	}
}

func (o *Orchestrator) accept(ctx context.Context) {
	log := logger.ForCall(o.state.CallID)

	port, err := o.transport.Init(o.cfg.AudioPort)
	if err != nil {
		log.Error("Audio transport unavailable, declining call", zap.Error(err))
		o.reject(ctx)
		return
	}

	_, err = o.signaler.Request(ctx, signaling.TypeCallAccept, signaling.AcceptPayload{
		CallID:  o.state.CallID,
		UDPPort: port,
		UDPHost: o.cfg.AdvertiseHost,
	})
	if err != nil {
		o.transport.Close()
		switch {
		case apperrors.Is(err, apperrors.ErrCodeTimeout):
			log.Warn("Accept timed out", zap.Error(err))
		case callIsOver(err):
			log.Info("Call ended before it could be accepted", zap.Error(err))
			o.reset()
		default:
			// the server still holds the call as ringing
			log.Warn("Accept failed, declining call", zap.Error(err))
			o.reject(ctx)
		}
		return
	}

	o.state.Phase = PhaseInCall
	o.state.LocalPort = port
	o.publish()
	log.Info("Call accepted", zap.String("peer_id", o.state.PeerID))
}

func (o *Orchestrator) reject(ctx context.Context) {
	if err := o.settle(ctx); err != nil {
		logger.ForCall(o.state.CallID).Warn("Decline failed, keeping call", zap.Error(err))
	}
}

func (o *Orchestrator) dial(ctx context.Context, receiverID string) error {
	if !o.state.Idle() {
		return apperrors.InvalidStateError("Already in a call")
	}

	port, err := o.transport.Init(o.cfg.AudioPort)
	if err != nil {
		return err
	}

	reply, err := o.signaler.Request(ctx, signaling.TypeCallInitiate, signaling.InitiatePayload{
		ReceiverID:  receiverID,
		AudioSource: o.cfg.AudioSource,
		UDPPort:     port,
		UDPHost:     o.cfg.AdvertiseHost,
	})
	if err != nil {
		o.transport.Close()
		return err
	}

	var view signaling.CallView
	if err := reply.Decode(&view); err != nil {
		o.transport.Close()
		return apperrors.Wrap(apperrors.ErrCodeInternal, "Malformed initiate reply", err)
	}

	o.state = CallState{
		Phase:     PhaseOutgoing,
		Role:      RoleCaller,
		CallID:    view.CallID,
		PeerID:    receiverID,
		PeerName:  view.ReceiverName,
		LocalPort: port,
	}
	o.publish()
	logger.ForCall(view.CallID).Info("Calling", zap.String("receiver_id", receiverID))
	return nil
}

func (o *Orchestrator) hangup(ctx context.Context) error {
	if o.state.Idle() {
		return apperrors.InvalidStateError("No call in progress")
	}
	return o.settle(ctx)
}

// settle asks the server to drop the current call: CALL_REJECT while it
// rings here, CALL_END otherwise. Local state is cleared only once the server
// confirms the call is over; any other error leaves it untouched.
func (o *Orchestrator) settle(ctx context.Context) error {
	ref := signaling.CallRefPayload{CallID: o.state.CallID}

	if o.state.Phase == PhaseIncoming {
		_, err := o.signaler.Request(ctx, signaling.TypeCallReject, ref)
		if !apperrors.Is(err, apperrors.ErrCodeInvalidState) {
			return o.settled(err)
		}
		// no longer pending, possibly accepted after an accept timed out
		logger.ForCall(ref.CallID).Info("Call is not ringing anymore, ending it", zap.Error(err))
	}

	_, err := o.signaler.Request(ctx, signaling.TypeCallEnd, ref)
	return o.settled(err)
}

func (o *Orchestrator) settled(err error) error {
	if err != nil && !callIsOver(err) {
		return err
	}
	o.reset()
	return nil
}

// callIsOver reports whether a server refusal proves the call has finished
func callIsOver(err error) bool {
	return apperrors.Is(err, apperrors.ErrCodeNotFound) || apperrors.Is(err, apperrors.ErrCodeInvalidState)
}

// reconcile starts the transport on entering in_call and stops it on leaving
func (o *Orchestrator) reconcile(ctx context.Context) {
	inCall := o.state.Phase == PhaseInCall

	switch {
	case inCall && !o.streaming:
		if err := o.transport.StartStreaming(o.state.PeerHost, o.state.PeerPort); err != nil {
			o.failCall(ctx, err)
			return
		}
		o.streaming = true
		logger.ForCall(o.state.CallID).Info("Audio streaming",
			zap.String("peer_host", o.state.PeerHost),
			zap.Int("peer_port", o.state.PeerPort))
	case !inCall && o.streaming:
		o.transport.Stop()
		o.streaming = false
	}

	if o.state.Idle() {
		o.transport.Close()
	}
}

// failCall reports a media failure and abandons the call locally
func (o *Orchestrator) failCall(ctx context.Context, cause error) {
	log := logger.ForCall(o.state.CallID)
	log.Error("Audio transport failed", zap.Error(cause))

	_, err := o.signaler.Request(ctx, signaling.TypeCallFail, signaling.FailPayload{
		CallID: o.state.CallID,
		Reason: cause.Error(),
	})
	if err != nil {
		log.Warn("Failed to report call failure", zap.Error(err))
	}

	o.transport.Close()
	o.streaming = false
	o.reset()
}

func (o *Orchestrator) reset() {
	o.state = idleState()
	o.publish()
}

func (o *Orchestrator) publish() {
	o.snapshotMu.Lock()
	o.snapshot = o.state
	o.snapshotMu.Unlock()
}

func (o *Orchestrator) shutdown() {
	if !o.state.Idle() && o.state.CallID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultSignalingRequestTimeout)
		if err := o.settle(ctx); err != nil {
			logger.Warn("Failed to end call on shutdown", zap.Error(err))
		}
		cancel()
	}

	if o.streaming {
		o.transport.Stop()
		o.streaming = false
	}
	o.transport.Close()
	o.reset()
}
