package rewrite

import (
	"net/url"
	"strings"
)

// srcset rewrites each image candidate URL in a srcset attribute and keeps
// separators and descriptors as they were.
func srcset(v string, base *url.URL) (string, int) {
	var b strings.Builder
	n := 0
	i := 0
	for i < len(v) {
		j := i
		for j < len(v) && (isSpace(v[j]) || v[j] == ',') {
			j++
		}
		b.WriteString(v[i:j])
		if j == len(v) {
			break
		}

		k := j
		for k < len(v) && !isSpace(v[k]) {
			k++
		}
		candidate := strings.TrimRight(v[j:k], ",")
		trailing := v[j+len(candidate) : k]
		if p, ok := Reference(candidate, base); ok {
			b.WriteString(p)
			n++
		} else {
			b.WriteString(candidate)
		}
		b.WriteString(trailing)
		i = k
		if trailing != "" {
			continue
		}

		// Descriptors run to the next comma.
		d := k
		for d < len(v) && v[d] != ',' {
			d++
		}
		b.WriteString(v[k:d])
		i = d
	}
	return b.String(), n
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}
