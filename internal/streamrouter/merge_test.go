package streamrouter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverlapMergeLaws(t *testing.T) {
	t.Run("merge(a, a) = a", func(t *testing.T) {
		a := "hello world"
		assert.Equal(t, a, OverlapMerge(a, a))
	})

	t.Run("merge(a, a+b) = a+b", func(t *testing.T) {
		a, b := "hello ", "world"
		assert.Equal(t, a+b, OverlapMerge(a, a+b))
	})

	t.Run("merge(a+b, b+c) = a+b+c", func(t *testing.T) {
		a, b, c := "hello ", "wor", "ld!"
		existing := a + b
		delta := b + c
		assert.Equal(t, a+b+c, OverlapMerge(existing, delta))
	})
}

func TestOverlapMergeRules(t *testing.T) {
	cases := []struct {
		name     string
		existing string
		delta    string
		want     string
	}{
		{"identical", "abc", "abc", "abc"},
		{"delta extends existing", "ab", "abcdef", "abcdef"},
		{"existing already contains delta", "abcdef", "abc", "abcdef"},
		{"partial suffix overlap", "hello wor", "world!", "hello world!"},
		{"no overlap appends", "foo", "bar", "foobar"},
		{"empty existing", "", "abc", "abc"},
		{"empty delta", "abc", "", "abc"},
		{"single char overlap", "aab", "bcd", "aabcd"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, OverlapMerge(tc.existing, tc.delta))
		})
	}
}

func TestOverlapMergeIdempotentOnRetransmit(t *testing.T) {
	deltas := []string{"The quick ", "quick brown ", "brown fox jumps"}

	first := ""
	for _, d := range deltas {
		first = OverlapMerge(first, d)
	}

	second := ""
	for _, d := range deltas {
		second = OverlapMerge(second, d)
	}

	assert.Equal(t, first, second)
	assert.Equal(t, "The quick brown fox jumps", first)
}

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"crlf to lf preserved as paragraph break", "a\r\n\r\nb", "a\n\nb"},
		{"single newline collapses to space", "a\nb", "a b"},
		{"double newline preserved", "a\n\nb", "a\n\nb"},
		{"bullet list preserved", "list:\n- one\n- two", "list:\n- one\n- two"},
		{"ordered list preserved", "steps:\n1. first\n2. second", "steps:\n1. first\n2. second"},
		{"newline before a code fence preserved", "text\n```go", "text\n```go"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeText(tc.input))
		})
	}
}
