package agent

import "strings"

const systemPreamble = `You are a helpful personal assistant. Answer concisely and truthfully.
Use the MEMORY section for durable facts about the user and the PAGE section
for what the user is currently looking at. Never invent memories.`

// buildPrompt assembles the deterministic model prompt: fixed preamble, the
// recall block, the page-context block, then the conversation, ending with
// the assistant cue. Section order never varies, so identical inputs produce
// identical prompts.
func buildPrompt(recall []string, pageCtx string, turns []Turn) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	b.WriteString("\n")

	if len(recall) > 0 {
		b.WriteString("\nMEMORY:\n")
		for _, s := range recall {
			b.WriteString(s)
			b.WriteString("\n")
		}
	}

	if pageCtx != "" {
		b.WriteString("\nPAGE:\n")
		b.WriteString(pageCtx)
		b.WriteString("\n")
	}

	b.WriteString("\nCONVERSATION:\n")
	for _, t := range turns {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}

	b.WriteString("\nASSISTANT:")
	return b.String()
}
