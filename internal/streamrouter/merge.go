package streamrouter

import "strings"

// OverlapMerge fuses a new delta into existing streamed text, tolerating
// at-least-once and retransmitted deltas. Rules, in order:
//
//  1. delta == existing            -> no change
//  2. delta starts with existing   -> replace with delta
//  3. existing starts with delta   -> no change
//  4. otherwise, find the greatest k (1<=k<=min(len(existing),len(delta)))
//     such that existing ends with delta[0:k]; result is
//     existing + delta[k:]
//
// Satisfies: merge(a,a)=a; merge(a,a+b)=a+b; merge(a+b,b+c)=a+b+c.
func OverlapMerge(existing, delta string) string {
	if delta == existing {
		return existing
	}
	if strings.HasPrefix(delta, existing) {
		return delta
	}
	if strings.HasPrefix(existing, delta) {
		return existing
	}

	maxK := len(existing)
	if len(delta) < maxK {
		maxK = len(delta)
	}

	for k := maxK; k >= 1; k-- {
		if strings.HasSuffix(existing, delta[:k]) {
			return existing + delta[k:]
		}
	}

	return existing + delta
}

// NormalizeText applies the ingest normalization rule: CRLF -> LF, and a
// single "\n" (not part of a "\n\n" paragraph break,
// and not immediately followed by a list bullet, an ordered-list marker,
// or a code fence) collapses to a space. Paragraph and list structure is
// preserved: a run of two or more consecutive newlines is always kept
// as-is.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")

	var b strings.Builder
	b.Grow(len(s))

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '\n' {
			b.WriteRune(runes[i])
			continue
		}

		// A run of consecutive newlines (a blank-line paragraph break)
		// is always preserved whole.
		j := i
		for j < len(runes) && runes[j] == '\n' {
			j++
		}
		if j-i >= 2 {
			b.WriteString(string(runes[i:j]))
			i = j - 1
			continue
		}

		rest := runes[i+1:]
		if startsWithPreservedBreak(rest) {
			b.WriteRune('\n')
			continue
		}

		b.WriteRune(' ')
	}

	return b.String()
}

func startsWithPreservedBreak(rest []rune) bool {
	if len(rest) == 0 {
		return false
	}
	if rest[0] == '\n' {
		return true
	}
	if rest[0] == '`' && len(rest) >= 3 && rest[1] == '`' && rest[2] == '`' {
		return true
	}
	if rest[0] == '-' || rest[0] == '*' || rest[0] == '+' {
		if len(rest) >= 2 && rest[1] == ' ' {
			return true
		}
	}
	// Ordered-list marker: one or more digits followed by '.' or ')' then a space.
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 && i < len(rest) && (rest[i] == '.' || rest[i] == ')') {
		if i+1 < len(rest) && rest[i+1] == ' ' {
			return true
		}
	}
	return false
}
