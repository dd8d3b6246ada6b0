package shimizu

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// discordMaxMessageLength is the maximum number of characters
	// Discord accepts in a single message.
	discordMaxMessageLength = 2000

	sentenceTerminators = ".,;:!?"
)

var (
	// discordMarkupPattern matches user/role mentions (<@id>, <@!id>, <@&id>),
	// channel references (<#id>) and custom emoji (<:name:id>, <a:name:id>).
	discordMarkupPattern = regexp.MustCompile(`<(?:@[!&]?\d+|#\d+|a?:\w+:\d+)>`)

	// speakerLabelPattern matches a leading "Name:" label on the first line
	// of a completion.
	speakerLabelPattern = regexp.MustCompile(`^[^\n:]*:`)
)

// cleanInbound normalizes user message text before it's placed in a prompt.
//
// Discord markup (mentions, channel references and custom emoji) is
// removed, whitespace runs are collapsed to a single space, and the result
// is trimmed. Unless completionMode is set, a period is appended when the
// text ends with a letter or digit, so the model treats the input as a
// complete sentence rather than something to continue.
//
// The result never contains markup or repeated whitespace, and
// cleanInbound(cleanInbound(s, m), m) == cleanInbound(s, m).
func cleanInbound(text string, completionMode bool) string {
	for {
		stripped := discordMarkupPattern.ReplaceAllString(text, "")
		if stripped == text {
			break
		}
		text = stripped
	}

	text = strings.Join(strings.Fields(text), " ")
	if completionMode || text == "" {
		return text
	}

	last, _ := utf8.DecodeLastRuneInString(text)
	if strings.ContainsRune(sentenceTerminators, last) {
		return text
	}
	if unicode.IsLetter(last) || unicode.IsDigit(last) {
		text += "."
	}
	return text
}

// cleanCompletionOutput removes artifacts the completion model tends to
// emit before its actual reply: a leading newline, a leading
// punctuation character, leading whitespace and a "Speaker:" label.
func cleanCompletionOutput(text string) string {
	text = strings.TrimPrefix(text, "\n")
	if r, size := utf8.DecodeRuneInString(text); size > 0 && !unicode.IsLetter(r) {
		text = text[size:]
	}
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	text = speakerLabelPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// truncateReply limits s to the maximum Discord message length.
func truncateReply(s string) string {
	return truncate(s, discordMaxMessageLength)
}
