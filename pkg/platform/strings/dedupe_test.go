package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type action string

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{name: "nil slice", input: nil, expected: nil},
		{name: "empty slice", input: []string{}, expected: []string{}},
		{name: "trims whitespace", input: []string{"  foo  ", "bar  ", "  baz"}, expected: []string{"foo", "bar", "baz"}},
		{name: "removes duplicates preserving order", input: []string{"foo", "bar", "foo", "baz", "bar"}, expected: []string{"foo", "bar", "baz"}},
		{name: "duplicates after trimming", input: []string{"foo", " foo", "foo "}, expected: []string{"foo"}},
		{name: "drops blanks", input: []string{"", "  ", "foo"}, expected: []string{"foo"}},
		{name: "case sensitive", input: []string{"Foo", "foo"}, expected: []string{"Foo", "foo"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrim(tt.input))
		})
	}
}

func TestDedupeAndTrimKeepsNamedType(t *testing.T) {
	got := DedupeAndTrim([]action{"approve ", "approve", "reject"})
	assert.Equal(t, []action{"approve", "reject"}, got)
}

func TestSplitList(t *testing.T) {
	got := SplitList[action]([]string{"checkpoint_approve,checkpoint_reject", " checkpoint_approve ", ",,", "evaluate"})
	assert.Equal(t, []action{"checkpoint_approve", "checkpoint_reject", "evaluate"}, got)

	assert.Empty(t, SplitList[action](nil))
}
