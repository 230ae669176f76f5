package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileDeterministic(t *testing.T) {
	a, err := Compile(Realtime, 80, 20)
	require.NoError(t, err)
	b, err := Compile(Realtime, 80, 20)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a.ConfigID, 64)

	sum := sha256.Sum256([]byte("realtime:80:20"))
	assert.Equal(t, hex.EncodeToString(sum[:]), a.ConfigID)
}

func TestCompileDistinctInputs(t *testing.T) {
	a, err := Compile(Realtime, 80, 20)
	require.NoError(t, err)
	b, err := Compile(Auto, 80, 20)
	require.NoError(t, err)
	c, err := Compile(Realtime, 81, 20)
	require.NoError(t, err)
	assert.NotEqual(t, a.ConfigID, b.ConfigID)
	assert.NotEqual(t, a.ConfigID, c.ConfigID)
}

func TestCompileBounds(t *testing.T) {
	_, err := Compile(Auto, 100, 100)
	require.NoError(t, err)
	_, err = Compile(Auto, 0, 1)
	require.NoError(t, err)

	_, err = Compile(Auto, 101, 0)
	assert.ErrorIs(t, err, ErrWeightOutOfRange)
	_, err = Compile(Auto, 0, 200)
	assert.ErrorIs(t, err, ErrWeightOutOfRange)
	_, err = Compile(Auto, 0, 0)
	assert.ErrorIs(t, err, ErrZeroWeights)
}

func TestPresets(t *testing.T) {
	cases := []struct {
		intent     Intent
		latency    uint8
		resilience uint8
	}{
		{Auto, 50, 50},
		{Realtime, 80, 20},
		{Install, 25, 75},
	}
	for _, tc := range cases {
		p := Preset(tc.intent)
		assert.Equal(t, tc.intent, p.Intent)
		assert.Equal(t, tc.latency, p.LatencyWeight, tc.intent.String())
		assert.Equal(t, tc.resilience, p.ResilienceWeight, tc.intent.String())
		c, err := p.Compile()
		require.NoError(t, err)
		assert.Equal(t, p, c.Profile())
	}
	p := Preset(Install).WithWeights(10, 90)
	assert.Equal(t, Install, p.Intent)
	assert.Equal(t, uint8(10), p.LatencyWeight)
}

func TestParseIntent(t *testing.T) {
	for _, s := range []string{"auto", "Realtime", " install "} {
		_, err := ParseIntent(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseIntent("bulk")
	assert.Error(t, err)
}

func TestJitterStrategy(t *testing.T) {
	rt, err := Preset(Realtime).Compile()
	require.NoError(t, err)
	assert.Equal(t, HoldLast, rt.Jitter())
	inst, err := Preset(Install).Compile()
	require.NoError(t, err)
	assert.Equal(t, Lerp, inst.Jitter())

	prev := []uint16{100, 200}
	assert.Equal(t, []uint16{100, 200}, HoldLast.Apply(prev, nil))
	assert.Equal(t, []uint16{10, 20}, HoldLast.Apply(prev, []uint16{10, 20}))
	assert.Equal(t, []uint16{50, 100, 7}, Lerp.Apply(prev, []uint16{0, 0, 7}))
	assert.Equal(t, []uint16{65535}, Lerp.Apply([]uint16{65535}, []uint16{65535}))
}

func TestJitterEmptyFrame(t *testing.T) {
	prev := []uint16{100, 200}
	assert.Equal(t, []uint16{100, 200}, HoldLast.Apply(prev, []uint16{}))
	assert.Empty(t, Lerp.Apply(prev, nil))
	assert.Empty(t, Drop.Apply(prev, nil))
	assert.Equal(t, []uint16{1, 2}, Drop.Apply(prev, []uint16{1, 2}))
	assert.Equal(t, "drop", Drop.String())
}
