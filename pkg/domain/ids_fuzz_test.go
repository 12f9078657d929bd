//go:build go1.18

package domain

import (
	"testing"
	"unicode/utf8"
)

// FuzzParseCheckpointID checks that parsing never panics and that accepted
// IDs round-trip.
func FuzzParseCheckpointID(f *testing.F) {
	f.Add("")
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("00000000-0000-0000-0000-000000000000")
	f.Add("not-a-uuid")
	f.Add("'; DROP TABLE checkpoints;--")
	f.Add(string([]byte{0x00, 0x01, 0x02}))

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseCheckpointID(input)
		if err != nil {
			return
		}
		roundTrip, err := ParseCheckpointID(id.String())
		if err != nil {
			t.Errorf("valid ID failed round-trip: %v", err)
		}
		if roundTrip != id {
			t.Error("round-trip changed ID value")
		}
	})
}

// FuzzParseScopeID checks that accepted opaque IDs are printable UTF-8 and stable.
func FuzzParseScopeID(f *testing.F) {
	f.Add("user-42")
	f.Add("")
	f.Add("sphere:finance")
	f.Add("a\u200Bb")

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseScopeID(input)
		if err != nil {
			return
		}
		if !utf8.ValidString(id.String()) {
			t.Error("accepted non-UTF8 scope id")
		}
		again, err := ParseScopeID(id.String())
		if err != nil || again != id {
			t.Errorf("scope id not stable under re-parse: %q -> %q (%v)", id, again, err)
		}
	})
}
