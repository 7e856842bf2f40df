// Package targets reads channel lists and compares them with joined channels.
package targets

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

var linkPrefixes = []string{"https://t.me/", "http://t.me/", "t.me/", "@"}

// Normalize reduces a channel reference to its bare username. Links and a
// leading @ are stripped, as is anything after the first path segment.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	for _, prefix := range linkPrefixes {
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = s[len(prefix):]
			break
		}
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Parse reads one channel per line. Blank lines and lines starting with # are
// skipped and duplicates keep their first position.
func Parse(r io.Reader) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ch := Normalize(line)
		if ch == "" {
			continue
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan targets: %w", err)
	}
	return out, nil
}

// LoadFile parses the list stored at path.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open targets %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	list, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return list, nil
}

// Missing returns the channels of required that are not in joined, in the
// order they appear in required.
func Missing(required, joined []string) []string {
	have := make(map[string]struct{}, len(joined))
	for _, ch := range joined {
		have[ch] = struct{}{}
	}
	out := make([]string, 0)
	for _, ch := range required {
		if _, ok := have[ch]; !ok {
			out = append(out, ch)
		}
	}
	return out
}

// Equal reports whether two lists hold the same channels in the same order.
func Equal(a, b []string) bool {
	return slices.Equal(a, b)
}
