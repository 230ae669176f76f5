package session

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleSequence rejects a received sequence that is not strictly
	// greater than the last accepted one.
	ErrStaleSequence = errors.New("session: replayed or out-of-order sequence")
	ErrSendExhausted = errors.New("session: send counter exhausted")
)

// Sequencer assigns outgoing control sequence numbers and tracks the last
// accepted incoming one.
type Sequencer struct {
	sendCounter uint64
	recvCounter uint64
	haveRecv    bool
}

// NextSend returns the next outgoing sequence, starting at 1.
func (s *Sequencer) NextSend() (uint64, error) {
	if s.sendCounter == ^uint64(0) {
		return 0, ErrSendExhausted
	}
	s.sendCounter++
	return s.sendCounter, nil
}

// CheckRecv reports whether seq would be accepted without recording it.
func (s *Sequencer) CheckRecv(seq uint64) error {
	if s.haveRecv && seq <= s.recvCounter {
		return fmt.Errorf("%w: %d after %d", ErrStaleSequence, seq, s.recvCounter)
	}
	return nil
}

// AcceptRecv records seq if it is newer than the last accepted sequence.
func (s *Sequencer) AcceptRecv(seq uint64) error {
	if err := s.CheckRecv(seq); err != nil {
		return err
	}
	s.recvCounter = seq
	s.haveRecv = true
	return nil
}

// LastRecv returns the last accepted sequence.
func (s *Sequencer) LastRecv() (uint64, bool) {
	return s.recvCounter, s.haveRecv
}
