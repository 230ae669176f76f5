package profile

// JitterStrategy smooths gaps in an outgoing channel stream.
type JitterStrategy uint8

const (
	// HoldLast repeats the previous frame when a frame arrives empty.
	HoldLast JitterStrategy = iota
	// Lerp averages each channel with the previous frame.
	Lerp
	// Drop sends frames as given; an empty frame stays empty.
	Drop
)

func (s JitterStrategy) String() string {
	switch s {
	case Lerp:
		return "lerp"
	case Drop:
		return "drop"
	default:
		return "hold_last"
	}
}

// Jitter picks HoldLast for latency-leaning profiles and Lerp otherwise.
// Drop is never derived; callers opt into it.
func (c Compiled) Jitter() JitterStrategy {
	if c.LatencyWeight >= c.ResilienceWeight {
		return HoldLast
	}
	return Lerp
}

// Apply returns the channels to send given the previous and next frames.
// Only HoldLast fills an empty frame from prev. The result never aliases
// next.
func (s JitterStrategy) Apply(prev, next []uint16) []uint16 {
	if len(next) == 0 {
		if s == HoldLast {
			return append([]uint16(nil), prev...)
		}
		return []uint16{}
	}
	out := append([]uint16(nil), next...)
	if s != Lerp {
		return out
	}
	for i := range out {
		if i < len(prev) {
			out[i] = uint16((uint32(prev[i]) + uint32(out[i])) / 2)
		}
	}
	return out
}
