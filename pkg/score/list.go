package score

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	bulletPattern = regexp.MustCompile(`^(?:[-*•]+|\d+[.)])\s*`)
	fencePattern  = regexp.MustCompile("(?s)^```[a-zA-Z]*\\n?(.*?)\\n?```$")
)

// ParseList splits a serialized list into items. It accepts JSON arrays,
// bracketed lists with single or double quotes, one item per line with
// optional bullets or numbering, and comma or semicolon separated text.
func ParseList(s string) []string {
	s = strings.TrimSpace(s)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if s == "" {
		return nil
	}

	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		var items []any
		if err := json.Unmarshal([]byte(s), &items); err == nil {
			out := make([]string, 0, len(items))
			for _, item := range items {
				out = append(out, toText(item))
			}
			return cleanItems(out)
		}
		return cleanItems(splitQuoted(s[1:len(s)-1], ','))
	}

	if strings.Contains(s, "\n") {
		var out []string
		for _, line := range strings.Split(s, "\n") {
			line = bulletPattern.ReplaceAllString(strings.TrimSpace(line), "")
			out = append(out, line)
		}
		return cleanItems(out)
	}

	sep := ','
	if strings.Contains(s, ";") && !strings.Contains(s, ",") {
		sep = ';'
	}
	return cleanItems(splitQuoted(s, sep))
}

// splitQuoted splits s on sep while keeping quoted segments intact
func splitQuoted(s string, sep rune) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		case r == sep:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	out = append(out, cur.String())
	return out
}

func cleanItems(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(strings.Trim(strings.TrimSpace(item), quoteChars))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// gradeList returns the fraction of gold items matched one-to-one by a
// predicted item with similarity at or above the item threshold
func (e *Engine) gradeList(pred, gold []string) float64 {
	if len(gold) == 0 {
		if len(pred) == 0 {
			return 1
		}
		return 0
	}
	if len(pred) == 0 {
		return 0
	}

	adj := make([][]int, len(gold))
	for g := range gold {
		for p := range pred {
			if Similarity(pred[p], gold[g]) >= e.listItemThreshold {
				adj[g] = append(adj[g], p)
			}
		}
	}

	return float64(maxMatching(adj, len(pred))) / float64(len(gold))
}

// maxMatching computes a maximum bipartite matching with augmenting paths.
// adj[l] lists the right-side vertices adjacent to left vertex l.
func maxMatching(adj [][]int, rightSize int) int {
	matchR := make([]int, rightSize)
	for i := range matchR {
		matchR[i] = -1
	}

	var augment func(l int, seen []bool) bool
	augment = func(l int, seen []bool) bool {
		for _, r := range adj[l] {
			if seen[r] {
				continue
			}
			seen[r] = true
			if matchR[r] < 0 || augment(matchR[r], seen) {
				matchR[r] = l
				return true
			}
		}
		return false
	}

	matched := 0
	for l := range adj {
		if augment(l, make([]bool, rightSize)) {
			matched++
		}
	}
	return matched
}
