package artifacts

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestRenderSVGDeterministic(t *testing.T) {
	safe := map[string]any{
		"b": float64(2),
		"a": "one",
		"nested": map[string]any{
			"z": true,
			"y": nil,
		},
		"list": []any{"x", float64(9)},
	}

	first, trunc1 := RenderSVG("Chart", safe)
	second, trunc2 := RenderSVG("Chart", safe)
	if !bytes.Equal(first, second) {
		t.Fatal("rendering is not deterministic")
	}
	if trunc1 || trunc2 {
		t.Fatal("small payload reported truncated")
	}

	out := string(first)
	for _, want := range []string{
		"a = one", "b = 2", "nested.y = null", "nested.z = true",
		"list[0] = x", "list[1] = 9", ">Chart<",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestRenderSVGEscapesMarkup(t *testing.T) {
	out, _ := RenderSVG(`<script>"x"&'y'</script>`, map[string]any{
		"v": "<img>",
	})
	s := string(out)
	if strings.Contains(s, "<script>") || strings.Contains(s, "<img>") {
		t.Fatal("markup not escaped")
	}
	if !strings.Contains(s, "&lt;script&gt;") {
		t.Error("title not XML-escaped")
	}
}

func TestRenderSVGTruncatesLongTitle(t *testing.T) {
	_, truncated := RenderSVG(strings.Repeat("t", maxTitle+1), map[string]any{"a": float64(1)})
	if !truncated {
		t.Fatal("long title not flagged as truncated")
	}
}

func TestRenderSVGTruncatesManyLines(t *testing.T) {
	safe := make(map[string]any, maxLines+10)
	for i := 0; i < maxLines+10; i++ {
		safe[fmt.Sprintf("key%03d", i)] = float64(i)
	}

	out, truncated := RenderSVG("t", safe)
	if !truncated {
		t.Fatal("oversized payload not flagged as truncated")
	}
	if n := strings.Count(string(out), `font-size="12"`); n != maxLines {
		t.Fatalf("rendered %d lines, want %d", n, maxLines)
	}
}

func TestRenderSVGTruncatesLongLines(t *testing.T) {
	out, truncated := RenderSVG("t", map[string]any{
		"k": strings.Repeat("v", maxLineRunes+50),
	})
	if !truncated {
		t.Fatal("long line not flagged as truncated")
	}
	if !strings.Contains(string(out), "…") {
		t.Error("long line not visibly clipped")
	}
}
