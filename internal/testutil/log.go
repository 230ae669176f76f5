package testutil

import (
	"testing"

	"github.com/rs/zerolog"
)

// Logger returns a debug-level logger that writes through t.Log so output
// only shows for failing or verbose tests.
func Logger(t testing.TB) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel).With().
		Str("test", t.Name()).
		Logger()
}
