package translate

import (
	"fmt"
	"strings"
)

// renderSegmentPrompt builds the per-segment translation prompt, optionally
// prepending the previous segment's source text as untranslated context to
// help the model resolve pronouns across a segment boundary.
func renderSegmentPrompt(targetLanguageDisplay, sourceText, untranslatedContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Translate the following text into %s. Respond with only the translation, no commentary or preamble.\n\n", targetLanguageDisplay)
	if untranslatedContext != "" {
		b.WriteString("Preceding text, for context only, do not translate it:\n")
		b.WriteString(untranslatedContext)
		b.WriteString("\n\n")
	}
	b.WriteString("Text to translate:\n")
	b.WriteString(sourceText)
	return b.String()
}
