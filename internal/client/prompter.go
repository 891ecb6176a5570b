package client

import (
	"context"
	"fmt"
	"io"
	"time"
)

// IncomingCall describes a ringing call awaiting a decision
type IncomingCall struct {
	CallID      string
	CallerID    string
	CallerName  string
	AudioSource string
}

// Prompter decides whether to answer an incoming call
type Prompter interface {
	Decide(ctx context.Context, call IncomingCall) bool
}

// AutoPrompter answers every call the same way
type AutoPrompter struct {
	Accept bool
}

func (p AutoPrompter) Decide(context.Context, IncomingCall) bool {
	return p.Accept
}

// ConsolePrompter prints a prompt and waits for an answer fed by the
// command loop through Answer. No answer within timeout declines the call.
type ConsolePrompter struct {
	out     io.Writer
	timeout time.Duration
	answers chan bool
}

// NewConsolePrompter creates a prompter writing to out
func NewConsolePrompter(out io.Writer, timeout time.Duration) *ConsolePrompter {
	return &ConsolePrompter{
		out:     out,
		timeout: timeout,
		answers: make(chan bool, 1),
	}
}

// Answer delivers the user's decision. It reports false when an earlier
// answer is still queued.
func (p *ConsolePrompter) Answer(accept bool) bool {
	select {
	case p.answers <- accept:
		return true
	default:
		return false
	}
}

func (p *ConsolePrompter) Decide(ctx context.Context, call IncomingCall) bool {
	// discard answers typed before the call rang
	select {
	case <-p.answers:
	default:
	}

	name := call.CallerName
	if name == "" {
		name = call.CallerID
	}
	fmt.Fprintf(p.out, "Incoming call from %s (%s). Accept? [y/n]\n", name, call.CallerID)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case accept := <-p.answers:
		return accept
	case <-timer.C:
		fmt.Fprintln(p.out, "No answer, declining")
		return false
	case <-ctx.Done():
		return false
	}
}
