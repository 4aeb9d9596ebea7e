package crawler

import "strings"

const authorSeparator = " and "

// SplitAuthors splits a citation author field on the literal " and ".
// Names are trimmed, empty pieces dropped and duplicates removed, keeping
// first-seen order.
func SplitAuthors(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, authorSeparator)
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
