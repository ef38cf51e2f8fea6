package ai

import "unicode/utf8"

// truncateString shortens s to at most maxLen bytes without splitting a
// UTF-8 sequence, appending "..." when anything was cut.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Truncate is the exported form used when building prompts from large blobs.
func Truncate(s string, maxLen int) string {
	return truncateString(s, maxLen)
}
