// Package session holds the ALNP session lifecycle: the transition table,
// the state machine that enforces it, and per-session sequence tracking.
package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned for any (state, event) pair the
	// transition table does not allow. The machine is left unchanged.
	ErrInvalidTransition = errors.New("session: invalid transition")
	// ErrProfileLocked is returned when streaming is requested with a profile
	// other than the one already bound to the session.
	ErrProfileLocked = fmt.Errorf("%w: stream profile already bound", ErrInvalidTransition)
)

type State uint8

const (
	Init State = iota
	Handshake
	Authenticated
	Ready
	Streaming
	Failed
	Closed
)

var stateNames = [...]string{
	Init:          "init",
	Handshake:     "handshake",
	Authenticated: "authenticated",
	Ready:         "ready",
	Streaming:     "streaming",
	Failed:        "failed",
	Closed:        "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal states accept no further events.
func (s State) Terminal() bool {
	return s == Failed || s == Closed
}

// CanSend reports whether control envelopes and stream frames may be sent
// or received in s.
func (s State) CanSend() bool {
	return s == Authenticated || s == Ready || s == Streaming
}

type Event uint8

const (
	SendDiscovery Event = iota
	ReplyVerified
	VerifyFailed
	ProfileCompiled
	StartStream
	StopStream
	TransportClosed
	Close
	Fail
)

var eventNames = [...]string{
	SendDiscovery:   "send_discovery",
	ReplyVerified:   "reply_verified",
	VerifyFailed:    "verify_failed",
	ProfileCompiled: "profile_compiled",
	StartStream:     "start_stream",
	StopStream:      "stop_stream",
	TransportClosed: "transport_closed",
	Close:           "close",
	Fail:            "fail",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}
