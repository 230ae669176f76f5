package session

import "fmt"

type transitionKey struct {
	from  State
	event Event
}

// transition is one row of the table. guard may veto the move; commit runs
// only after the guard passes.
type transition struct {
	to     State
	guard  func(m *Machine, configID string) error
	commit func(m *Machine, configID string)
}

var table = map[transitionKey]transition{
	{Init, SendDiscovery}:            {to: Handshake},
	{Handshake, ReplyVerified}:       {to: Authenticated},
	{Handshake, VerifyFailed}:        {to: Failed},
	{Authenticated, ProfileCompiled}: {to: Ready, guard: requireProfile, commit: bindProfile},
	{Ready, StartStream}:             {to: Streaming, guard: lockedOnceStreamed, commit: startStreaming},
	{Streaming, StartStream}:         {to: Streaming, guard: alreadyStreaming},
	{Streaming, StopStream}:          {to: Ready},
	{Streaming, TransportClosed}:     {to: Closed},
}

func init() {
	for _, s := range []State{Init, Handshake, Authenticated, Ready, Streaming} {
		table[transitionKey{s, Close}] = transition{to: Closed}
		table[transitionKey{s, Fail}] = transition{to: Failed}
	}
}

func requireProfile(_ *Machine, configID string) error {
	if configID == "" {
		return fmt.Errorf("%w: no compiled profile", ErrInvalidTransition)
	}
	return nil
}

func bindProfile(m *Machine, configID string) {
	m.profile = configID
}

func sameProfile(m *Machine, configID string) error {
	if configID != "" && configID != m.profile {
		return ErrProfileLocked
	}
	return nil
}

// lockedOnceStreamed lets a session that has never streamed swap its bound
// profile; after the first stream the profile is fixed.
func lockedOnceStreamed(m *Machine, configID string) error {
	if !m.streamed {
		return nil
	}
	return sameProfile(m, configID)
}

func startStreaming(m *Machine, configID string) {
	if configID != "" {
		m.profile = configID
	}
	m.streamed = true
}

func alreadyStreaming(m *Machine, configID string) error {
	if err := sameProfile(m, configID); err != nil {
		return err
	}
	return fmt.Errorf("%w: already streaming", ErrInvalidTransition)
}

// Machine tracks one session's lifecycle. It is not safe for concurrent use.
type Machine struct {
	state    State
	profile  string
	streamed bool

	// OnTransition, when set, observes every accepted transition.
	OnTransition func(from, to State, ev Event)
}

func NewMachine() *Machine {
	return &Machine{state: Init}
}

func (m *Machine) State() State {
	return m.state
}

// Profile returns the config id bound to the session, if any.
func (m *Machine) Profile() string {
	return m.profile
}

// Streamed reports whether the session has ever entered Streaming.
func (m *Machine) Streamed() bool {
	return m.streamed
}

// Advance applies ev. Rejected events leave the machine untouched.
func (m *Machine) Advance(ev Event) (State, error) {
	return m.AdvanceProfile(ev, "")
}

// AdvanceProfile applies ev carrying a compiled profile's config id, as
// ProfileCompiled and StartStream require.
func (m *Machine) AdvanceProfile(ev Event, configID string) (State, error) {
	tr, ok := table[transitionKey{m.state, ev}]
	if !ok {
		return m.state, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, m.state)
	}
	if tr.guard != nil {
		if err := tr.guard(m, configID); err != nil {
			return m.state, err
		}
	}
	if tr.commit != nil {
		tr.commit(m, configID)
	}
	from := m.state
	m.state = tr.to
	if m.OnTransition != nil {
		m.OnTransition(from, tr.to, ev)
	}
	return m.state, nil
}

// Allowed reports whether ev has a table entry from the current state. A
// guard may still reject it.
func (m *Machine) Allowed(ev Event) bool {
	_, ok := table[transitionKey{m.state, ev}]
	return ok
}
