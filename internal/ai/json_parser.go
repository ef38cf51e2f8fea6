package ai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Pre-compiled: these run on every model response.
var (
	// Matches ```json\n{...}\n```, ```{...}```, ``` json{...}``` and friends
	codeFenceRegex = regexp.MustCompile("(?s)```(?:json|javascript|js)?\\s*\\n?(.*?)\\n?```")

	trailingCommaRegex     = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRegex       = regexp.MustCompile(`([{,]\s*)([a-zA-Z_$][a-zA-Z0-9_$]*)\s*:`)
	singleLineCommentRegex = regexp.MustCompile(`(?m)^\s*//.*$`)
	multiLineCommentRegex  = regexp.MustCompile(`(?s)/\*.*?\*/`)

	objectRegex = regexp.MustCompile(`(?s)\{.*\}`)
	arrayRegex  = regexp.MustCompile(`(?s)\[.*\]`)
)

// ParseResult is the outcome of a tolerant parse. It never panics; on failure
// Error describes what went wrong and OriginalText keeps the raw input.
type ParseResult[T any] struct {
	Success      bool
	Data         T
	Error        string
	OriginalText string
}

// ParseOptions configures JSON parsing behavior
type ParseOptions struct {
	Context      string // Prefix for error messages
	LogErrors    *bool  // Log failed strategies at debug level (default: true)
	NoCleanup    bool   // Only try a direct parse
	MaxInputSize int    // Maximum input size in bytes (default: 10MB)
}

const defaultMaxInputSize = 10 * 1024 * 1024

func boolPtr(b bool) *bool { return &b }

// Parse decodes model output into T, trying progressively more forgiving
// strategies:
//  1. Direct JSON parse
//  2. Strip markdown code fences
//  3. Fix trailing commas, unquoted keys and comments
//  4. Extract the outermost object or array from surrounding prose
func Parse[T any](text string, opts ...ParseOptions) ParseResult[T] {
	var o ParseOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.MaxInputSize == 0 {
		o.MaxInputSize = defaultMaxInputSize
	}
	logErrors := o.LogErrors == nil || *o.LogErrors

	if len(text) > o.MaxInputSize {
		return parseError[T](fmt.Sprintf("input exceeds size limit (%d > %d bytes)", len(text), o.MaxInputSize),
			truncateString(text, 1000), o.Context)
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parseError[T]("empty input", text, o.Context)
	}

	data, err := decode[T](trimmed)
	if err == nil {
		return ParseResult[T]{Success: true, Data: data, OriginalText: text}
	}
	if o.NoCleanup {
		return parseError[T](err.Error(), text, o.Context)
	}
	if logErrors {
		slog.Debug("direct JSON parse failed, trying cleanup strategies",
			"error", err.Error(),
			"preview", truncateString(text, 100),
			"context", o.Context)
	}

	unfenced := removeCodeFences(trimmed)
	if unfenced != trimmed {
		if data, err := decode[T](unfenced); err == nil {
			return ParseResult[T]{Success: true, Data: data, OriginalText: text}
		}
	}

	cleaned := cleanupJSON(unfenced)
	if data, err := decode[T](cleaned); err == nil {
		return ParseResult[T]{Success: true, Data: data, OriginalText: text}
	}

	for _, extracted := range extractJSON(cleaned) {
		if data, err := decode[T](extracted); err == nil {
			return ParseResult[T]{Success: true, Data: data, OriginalText: text}
		}
	}

	return parseError[T]("all JSON parsing strategies failed", text, o.Context)
}

func decode[T any](text string) (T, error) {
	var out T
	err := json.Unmarshal([]byte(text), &out)
	return out, err
}

func removeCodeFences(text string) string {
	if m := codeFenceRegex.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(text, "`") && strings.HasSuffix(text, "`") {
		return strings.TrimSpace(strings.Trim(text, "`"))
	}
	return text
}

// cleanupJSON fixes the usual model slips. Single quotes are left alone:
// converting them would corrupt apostrophes inside valid strings.
func cleanupJSON(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = trailingCommaRegex.ReplaceAllString(cleaned, "$1")
	cleaned = unquotedKeyRegex.ReplaceAllString(cleaned, `$1"$2":`)
	cleaned = singleLineCommentRegex.ReplaceAllString(cleaned, "")
	cleaned = multiLineCommentRegex.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

// extractJSON returns the outermost object and array found in mixed
// content, ordered by which opens first, so that an array of objects is not
// mistaken for its first element.
func extractJSON(text string) []string {
	obj := objectRegex.FindString(text)
	arr := arrayRegex.FindString(text)
	objAt := strings.IndexByte(text, '{')
	arrAt := strings.IndexByte(text, '[')

	var out []string
	if arr != "" && (objAt < 0 || (arrAt >= 0 && arrAt < objAt)) {
		out = append(out, arr)
	}
	if obj != "" {
		out = append(out, obj)
	}
	if arr != "" && (len(out) == 0 || out[0] != arr) {
		out = append(out, arr)
	}
	return out
}

func parseError[T any](message, text, context string) ParseResult[T] {
	if context != "" {
		message = context + ": " + message
	}
	return ParseResult[T]{Error: message, OriginalText: text}
}
