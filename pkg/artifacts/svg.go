package artifacts

import (
	"fmt"
	"sort"
	"strings"
)

// Rendering caps. Exceeding either sets the truncated flag in the export
// response; the artifact is still produced.
const (
	maxLines     = 60
	maxLineRunes = 120
	maxTitle     = 80
)

// RenderSVG renders the sanitized export payload as a deterministic SVG
// document. Input is the already-redacted safe_json subtree; this layer only
// applies size and type rules.
func RenderSVG(title string, safe map[string]any) ([]byte, bool) {
	truncated := false

	if len([]rune(title)) > maxTitle {
		title = string([]rune(title)[:maxTitle])
		truncated = true
	}

	var lines []string
	flatten("", safe, &lines)
	sort.Strings(lines)
	if len(lines) > maxLines {
		lines = lines[:maxLines]
		truncated = true
	}
	for i, line := range lines {
		if len([]rune(line)) > maxLineRunes {
			lines[i] = string([]rune(line)[:maxLineRunes]) + "…"
			truncated = true
		}
	}

	const lineHeight = 18
	height := 48 + lineHeight*len(lines)

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="720" height="%d" viewBox="0 0 720 %d">`, height, height)
	b.WriteString(`<rect width="100%" height="100%" fill="#0b0e1a"/>`)
	if title != "" {
		fmt.Fprintf(&b, `<text x="16" y="28" font-family="monospace" font-size="16" fill="#e8e3ff">%s</text>`, escapeXML(title))
	}
	for i, line := range lines {
		fmt.Fprintf(&b, `<text x="16" y="%d" font-family="monospace" font-size="12" fill="#9aa4c7">%s</text>`,
			52+lineHeight*i, escapeXML(line))
	}
	b.WriteString(`</svg>`)

	return []byte(b.String()), truncated
}

// flatten walks the payload depth-first, emitting "path = value" lines with
// sorted keys so the rendering is stable.
func flatten(prefix string, v any, out *[]string) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(joinPath(prefix, k), val[k], out)
		}
	case []any:
		for i, child := range val {
			flatten(fmt.Sprintf("%s[%d]", prefix, i), child, out)
		}
	case nil:
		*out = append(*out, prefix+" = null")
	default:
		*out = append(*out, fmt.Sprintf("%s = %v", prefix, val))
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#39;",
	)
	return r.Replace(s)
}
