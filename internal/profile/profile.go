// Package profile compiles stream intents and weights into immutable,
// content-addressed stream profiles.
package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrWeightOutOfRange = errors.New("profile: weight out of range")
	ErrZeroWeights      = errors.New("profile: latency and resilience weights are both zero")
)

// MaxWeight is the largest accepted latency or resilience weight.
const MaxWeight = 100

type Intent uint8

const (
	Auto Intent = iota
	Realtime
	Install
)

func (i Intent) String() string {
	switch i {
	case Auto:
		return "auto"
	case Realtime:
		return "realtime"
	case Install:
		return "install"
	default:
		return fmt.Sprintf("intent(%d)", uint8(i))
	}
}

func ParseIntent(s string) (Intent, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "":
		return Auto, nil
	case "realtime":
		return Realtime, nil
	case "install":
		return Install, nil
	default:
		return 0, fmt.Errorf("unknown intent %q", s)
	}
}

// Profile is the caller's streaming request before validation.
type Profile struct {
	Intent           Intent
	LatencyWeight    uint8
	ResilienceWeight uint8
}

// Preset returns the default weights for an intent.
func Preset(i Intent) Profile {
	switch i {
	case Realtime:
		return Profile{Intent: Realtime, LatencyWeight: 80, ResilienceWeight: 20}
	case Install:
		return Profile{Intent: Install, LatencyWeight: 25, ResilienceWeight: 75}
	default:
		return Profile{Intent: Auto, LatencyWeight: 50, ResilienceWeight: 50}
	}
}

// WithWeights overrides the preset weights, keeping the intent.
func (p Profile) WithWeights(latency, resilience uint8) Profile {
	p.LatencyWeight = latency
	p.ResilienceWeight = resilience
	return p
}

// Compile validates p and derives its config id.
func (p Profile) Compile() (Compiled, error) {
	return Compile(p.Intent, p.LatencyWeight, p.ResilienceWeight)
}

// Compiled is a validated profile. ConfigID is the lowercase hex SHA-256 of
// "<intent>:<latency>:<resilience>".
type Compiled struct {
	Intent           Intent `json:"-"`
	IntentName       string `json:"intent"`
	LatencyWeight    uint8  `json:"latency_weight"`
	ResilienceWeight uint8  `json:"resilience_weight"`
	ConfigID         string `json:"config_id"`
}

// Compile is pure: equal inputs always yield an equal Compiled value. Range
// is checked before the zero-weight rule.
func Compile(intent Intent, latency, resilience uint8) (Compiled, error) {
	if latency > MaxWeight || resilience > MaxWeight {
		return Compiled{}, fmt.Errorf("%w: latency=%d resilience=%d", ErrWeightOutOfRange, latency, resilience)
	}
	if latency == 0 && resilience == 0 {
		return Compiled{}, ErrZeroWeights
	}
	return Compiled{
		Intent:           intent,
		IntentName:       intent.String(),
		LatencyWeight:    latency,
		ResilienceWeight: resilience,
		ConfigID:         ConfigID(intent, latency, resilience),
	}, nil
}

func ConfigID(intent Intent, latency, resilience uint8) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", intent, latency, resilience)))
	return hex.EncodeToString(sum[:])
}

// Profile returns the uncompiled form of c.
func (c Compiled) Profile() Profile {
	return Profile{Intent: c.Intent, LatencyWeight: c.LatencyWeight, ResilienceWeight: c.ResilienceWeight}
}
