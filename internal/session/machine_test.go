package session

import (
	"errors"
	"testing"
)

var allStates = []State{Init, Handshake, Authenticated, Ready, Streaming, Failed, Closed}
var allEvents = []Event{SendDiscovery, ReplyVerified, VerifyFailed, ProfileCompiled, StartStream, StopStream, TransportClosed, Close, Fail}

// machineIn drives a fresh machine into s along the happy path.
func machineIn(t *testing.T, s State) *Machine {
	t.Helper()
	m := NewMachine()
	steps := map[State][]Event{
		Init:          nil,
		Handshake:     {SendDiscovery},
		Authenticated: {SendDiscovery, ReplyVerified},
		Ready:         {SendDiscovery, ReplyVerified, ProfileCompiled},
		Streaming:     {SendDiscovery, ReplyVerified, ProfileCompiled, StartStream},
		Failed:        {Fail},
		Closed:        {Close},
	}
	for _, ev := range steps[s] {
		if _, err := m.AdvanceProfile(ev, "cfg-a"); err != nil {
			t.Fatalf("drive to %s: %s failed: %v", s, ev, err)
		}
	}
	if m.State() != s {
		t.Fatalf("expected %s, got %s", s, m.State())
	}
	return m
}

func TestHappyPath(t *testing.T) {
	m := NewMachine()
	var seen []State
	m.OnTransition = func(_, to State, _ Event) { seen = append(seen, to) }
	steps := []struct {
		ev   Event
		want State
	}{
		{SendDiscovery, Handshake},
		{ReplyVerified, Authenticated},
		{ProfileCompiled, Ready},
		{StartStream, Streaming},
		{StopStream, Ready},
		{StartStream, Streaming},
		{TransportClosed, Closed},
	}
	for _, step := range steps {
		got, err := m.AdvanceProfile(step.ev, "cfg-a")
		if err != nil {
			t.Fatalf("%s failed: %v", step.ev, err)
		}
		if got != step.want {
			t.Fatalf("%s: expected %s, got %s", step.ev, step.want, got)
		}
	}
	if len(seen) != len(steps) {
		t.Fatalf("expected %d transition callbacks, got %d", len(steps), len(seen))
	}
	if !m.Streamed() || m.Profile() != "cfg-a" {
		t.Fatalf("expected bound streamed profile, got %q streamed=%v", m.Profile(), m.Streamed())
	}
}

func TestVerificationFailureIsTerminal(t *testing.T) {
	m := machineIn(t, Handshake)
	if _, err := m.Advance(VerifyFailed); err != nil {
		t.Fatalf("verify failed event: %v", err)
	}
	if m.State() != Failed {
		t.Fatalf("expected failed, got %s", m.State())
	}
	for _, ev := range allEvents {
		if _, err := m.Advance(ev); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s from failed: expected ErrInvalidTransition, got %v", ev, err)
		}
	}
}

func TestUnlistedTransitionsRejectedWithoutSideEffect(t *testing.T) {
	listed := map[transitionKey]bool{}
	for k := range table {
		listed[k] = true
	}
	for _, s := range allStates {
		for _, ev := range allEvents {
			if listed[transitionKey{s, ev}] {
				continue
			}
			m := machineIn(t, s)
			profile, streamed := m.Profile(), m.Streamed()
			got, err := m.AdvanceProfile(ev, "cfg-b")
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s in %s: expected ErrInvalidTransition, got %v", ev, s, err)
			}
			if got != s || m.State() != s || m.Profile() != profile || m.Streamed() != streamed {
				t.Fatalf("%s in %s: rejected event changed the machine", ev, s)
			}
		}
	}
}

func TestCloseAndFailFromAnyLiveState(t *testing.T) {
	for _, s := range []State{Init, Handshake, Authenticated, Ready, Streaming} {
		m := machineIn(t, s)
		if got, err := m.Advance(Close); err != nil || got != Closed {
			t.Fatalf("close from %s: %s %v", s, got, err)
		}
		m = machineIn(t, s)
		if got, err := m.Advance(Fail); err != nil || got != Failed {
			t.Fatalf("fail from %s: %s %v", s, got, err)
		}
	}
}

func TestStartStreamFromInitRejected(t *testing.T) {
	m := NewMachine()
	if _, err := m.AdvanceProfile(StartStream, "cfg-a"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if m.State() != Init {
		t.Fatalf("expected init, got %s", m.State())
	}
}

func TestProfileLocked(t *testing.T) {
	m := machineIn(t, Streaming)
	_, err := m.AdvanceProfile(StartStream, "cfg-b")
	if !errors.Is(err, ErrProfileLocked) || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrProfileLocked, got %v", err)
	}
	if m.State() != Streaming || m.Profile() != "cfg-a" {
		t.Fatalf("rebind changed the machine: %s %q", m.State(), m.Profile())
	}
	if _, err := m.AdvanceProfile(StartStream, "cfg-a"); !errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrProfileLocked) {
		t.Fatalf("expected plain ErrInvalidTransition for same profile, got %v", err)
	}

	if _, err := m.Advance(StopStream); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if _, err := m.AdvanceProfile(StartStream, "cfg-b"); !errors.Is(err, ErrProfileLocked) {
		t.Fatalf("expected ErrProfileLocked after stop, got %v", err)
	}
	if _, err := m.Advance(StartStream); err != nil {
		t.Fatalf("restart with bound profile failed: %v", err)
	}
}

func TestProfileRebindBeforeFirstStream(t *testing.T) {
	m := machineIn(t, Ready)
	if m.Streamed() {
		t.Fatalf("ready machine should not have streamed yet")
	}
	if _, err := m.AdvanceProfile(StartStream, "cfg-b"); err != nil {
		t.Fatalf("start with new profile before first stream: %v", err)
	}
	if m.State() != Streaming || m.Profile() != "cfg-b" || !m.Streamed() {
		t.Fatalf("expected streaming with cfg-b, got %s %q streamed=%v", m.State(), m.Profile(), m.Streamed())
	}
	if _, err := m.Advance(StopStream); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if _, err := m.AdvanceProfile(StartStream, "cfg-a"); !errors.Is(err, ErrProfileLocked) {
		t.Fatalf("expected ErrProfileLocked once streamed, got %v", err)
	}
	if m.State() != Ready || m.Profile() != "cfg-b" {
		t.Fatalf("locked start changed the machine: %s %q", m.State(), m.Profile())
	}
}

func TestProfileCompiledRequiresConfigID(t *testing.T) {
	m := machineIn(t, Authenticated)
	if _, err := m.Advance(ProfileCompiled); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if m.State() != Authenticated {
		t.Fatalf("expected authenticated, got %s", m.State())
	}
}

func TestCanSend(t *testing.T) {
	want := map[State]bool{Authenticated: true, Ready: true, Streaming: true}
	for _, s := range allStates {
		if s.CanSend() != want[s] {
			t.Fatalf("CanSend(%s) = %v", s, s.CanSend())
		}
	}
}
