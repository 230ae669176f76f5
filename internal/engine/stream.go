package engine

import (
	"alnp/internal/metrics"
	"alnp/internal/profile"
	"alnp/internal/proto"
	"alnp/internal/session"
)

// CompileProfile validates p without touching the session.
func (s *Session) CompileProfile(p profile.Profile) (profile.Compiled, error) {
	return p.Compile()
}

// BindProfile compiles p and binds it, moving Authenticated to Ready.
func (s *Session) BindProfile(p profile.Profile) (profile.Compiled, error) {
	if s.State() != session.Authenticated {
		return profile.Compiled{}, invalid("bind profile", s.State())
	}
	c, err := p.Compile()
	if err != nil {
		return profile.Compiled{}, err
	}
	if _, err := s.machine.AdvanceProfile(session.ProfileCompiled, c.ConfigID); err != nil {
		return profile.Compiled{}, err
	}
	s.profile = &c
	s.log.Info().Str("config_id", c.ConfigID).Str("intent", c.IntentName).Msg("stream profile bound")
	return c, nil
}

// StartStream compiles p and starts streaming with it. From Authenticated
// the profile is bound first. Until the first stream starts, p replaces any
// bound profile; after that any other profile fails with
// session.ErrProfileLocked.
func (s *Session) StartStream(p profile.Profile) (profile.Compiled, error) {
	if !s.State().CanSend() {
		return profile.Compiled{}, invalid("start stream", s.State())
	}
	c, err := p.Compile()
	if err != nil {
		return profile.Compiled{}, err
	}
	if s.State() == session.Authenticated {
		if _, err := s.BindProfile(p); err != nil {
			return profile.Compiled{}, err
		}
	}
	if _, err := s.machine.AdvanceProfile(session.StartStream, c.ConfigID); err != nil {
		return profile.Compiled{}, err
	}
	if s.profile == nil || s.profile.ConfigID != c.ConfigID {
		s.log.Info().Str("config_id", c.ConfigID).Str("intent", c.IntentName).Msg("stream profile rebound")
		s.profile = &c
		s.lastFrame = nil
	}
	s.log.Info().Str("config_id", c.ConfigID).Str("jitter", s.Jitter().String()).Msg("streaming started")
	return c, nil
}

// Jitter returns the strategy applied to outgoing frames: the override set
// with SetJitter, else the one derived from the bound profile.
func (s *Session) Jitter() profile.JitterStrategy {
	if s.jitter != nil {
		return *s.jitter
	}
	if s.profile != nil {
		return s.profile.Jitter()
	}
	return profile.HoldLast
}

// SetJitter overrides the profile's jitter strategy.
func (s *Session) SetJitter(j profile.JitterStrategy) {
	s.jitter = &j
}

// StopStream returns a streaming session to Ready.
func (s *Session) StopStream() error {
	_, err := s.machine.Advance(session.StopStream)
	if err == nil {
		s.lastFrame = nil
	}
	return err
}

// EncodeStreamFrame encodes channels for sending. With a bound profile the
// profile's jitter strategy is applied against the previous frame first.
func (s *Session) EncodeStreamFrame(format proto.SampleFormat, channels []uint16, priority uint8) ([]byte, error) {
	if !s.State().CanSend() {
		return nil, invalid("stream frame", s.State())
	}
	out := channels
	if s.profile != nil {
		out = s.Jitter().Apply(s.lastFrame, channels)
	}
	b, err := proto.EncodeStreamFrame(format, out, priority)
	if err != nil {
		return nil, err
	}
	if s.profile != nil && len(out) > 0 {
		s.lastFrame = out
	}
	if s.metrics != nil {
		s.metrics.IncFramesSent()
	}
	return b, nil
}

func (s *Session) DecodeStreamFrame(b []byte) (proto.StreamFrame, error) {
	if !s.State().CanSend() {
		return proto.StreamFrame{}, invalid("stream frame", s.State())
	}
	f, err := proto.DecodeStreamFrame(b)
	if err != nil {
		s.drop(metrics.DropDecode)
		return proto.StreamFrame{}, err
	}
	if s.metrics != nil {
		s.metrics.IncFramesReceived()
	}
	return f, nil
}
