package summarize

import (
	"fmt"
	"strings"
)

// renderPrompt builds the summarization instruction for one request.
func renderPrompt(targetLanguageDisplay, detailLevel, sourceText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the following article in %s at a %s level of detail. ", targetLanguageDisplay, detailLevel)
	b.WriteString("Respond with only the summary, no commentary or preamble.\n\n")
	b.WriteString("Article:\n")
	b.WriteString(sourceText)
	return b.String()
}
