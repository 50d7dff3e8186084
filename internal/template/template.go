// Package template expands {{ dotted.path }} tokens against a session
// context. Expansion is a pure function: missing or null paths resolve to
// the empty string so authored copy degrades gracefully.
package template

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var tokenRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\[\]]+)\s*\}\}`)

// Expand replaces every {{ path }} token in text with the stringified
// value at that path in ctx.
func Expand(text string, ctx map[string]any) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return tokenRe.ReplaceAllStringFunc(text, func(tok string) string {
		m := tokenRe.FindStringSubmatch(tok)
		if m == nil {
			return tok
		}
		v, ok := Resolve(ctx, m[1])
		if !ok {
			return ""
		}
		return Stringify(v)
	})
}

// Resolve walks a dotted path (array indices as ".0" or "[0]") left to
// right against ctx. The second return is false when any segment is
// missing or a non-container is indexed.
func Resolve(ctx map[string]any, path string) (any, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, false
	}

	var cur any = ctx
	for _, seg := range segs {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes value at a dotted key, creating intermediate objects.
// Used by assign nodes; existing non-object intermediates are replaced.
func SetPath(ctx map[string]any, key string, value any) {
	segs := splitPath(key)
	if len(segs) == 0 {
		return
	}
	cur := ctx
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// Stringify renders a resolved value for message text. Null renders empty;
// numbers drop trailing zeros; composites render as compact JSON.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func splitPath(path string) []string {
	// Normalize bracket indexing to dot segments: a[0].b -> a.0.b
	norm := strings.NewReplacer("[", ".", "]", "").Replace(path)
	parts := strings.Split(norm, ".")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}
