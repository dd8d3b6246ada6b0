package shimizu

import (
	"fmt"
	"strings"
)

// maxStopSequences is the most stop sequences the completion API accepts
const maxStopSequences = 4

// formatHistory renders prior conversation turns, oldest first, as
// "author: content" lines. An empty history renders as an empty string.
func formatHistory(history []ConversationMessage) string {
	var sb strings.Builder
	for _, m := range history {
		sb.WriteString(m.Author)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// buildPrompt assembles the structured completion prompt:
//
//	{name} {premise}.
//
//	{history}{caller}: {input}
//	{name}:
//
// input should already be normalized with cleanInbound.
func buildPrompt(
	persona Persona,
	history []ConversationMessage,
	caller string,
	input string,
) string {
	return fmt.Sprintf(
		"%s %s.\n\n%s%s: %s\n%s:",
		persona.Name,
		persona.Premise,
		formatHistory(history),
		caller,
		input,
		persona.Name,
	)
}

// stopSequences returns the stop sequences for a completion, which keep
// the model from writing past its own turn: the caller's label, the
// bot's label, then the persona's own sequences. The result is capped at
// maxStopSequences.
func stopSequences(persona Persona, caller string) []string {
	stop := make([]string, 0, maxStopSequences)
	stop = append(stop, caller+":", persona.Name+":")
	for _, s := range persona.StopSequences {
		if len(stop) == maxStopSequences {
			break
		}
		if s == "" {
			continue
		}
		stop = append(stop, s)
	}
	return stop
}
