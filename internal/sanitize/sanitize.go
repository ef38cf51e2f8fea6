// Package sanitize cleans issue text before it leaves the process.
//
// Issue bodies routinely contain pasted logs and config files. Before the
// text is sent to a reasoning provider, credentials are replaced with
// placeholders, e-mail local parts are partially masked, IP addresses are
// hidden, and whitespace is normalized. Prompt-injection detection always
// runs on the raw text; only the copy sent onward is cleaned.
package sanitize

import (
	"regexp"
	"strings"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Ordered from most to least specific so a JWT is not eaten by the generic
// token rule first.
var secretRules = []rule{
	{regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`), "[MASKED_JWT_TOKEN]"},
	{regexp.MustCompile(`\bsk-(?:proj-|ant-)?[a-zA-Z0-9_-]{32,}\b`), "[MASKED_API_KEY]"},
	{regexp.MustCompile(`\b(?:gh[pousr]_[a-zA-Z0-9]{36,}|github_pat_[a-zA-Z0-9_]{22,})\b`), "[MASKED_GITHUB_TOKEN]"},
	{regexp.MustCompile(`\bglpat-[a-zA-Z0-9_-]{20,}\b`), "[MASKED_GITLAB_TOKEN]"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[MASKED_AWS_ACCESS_KEY]"},
	{regexp.MustCompile(`\bxox[abprs]-[a-zA-Z0-9-]{10,}\b`), "[MASKED_SLACK_TOKEN]"},
	{regexp.MustCompile(`(?i)(aws_secret_access_key[_-]?[=:\s]*["']?)[a-zA-Z0-9/+=]{40}["']?`), "${1}[MASKED_AWS_SECRET]"},
	{regexp.MustCompile(`(?i)((?:mongodb(?:\+srv)?|mysql|postgres(?:ql)?|redis|amqp)://[^:/\s@]+:)[^@\s]+(@)`), "${1}[MASKED_DB_PASSWORD]${2}"},
	{regexp.MustCompile(`(?i)(api[_-]?key[_-]?[=:\s]*["']?)[a-zA-Z0-9_-]{20,}["']?`), "${1}[MASKED_API_KEY]"},
	{regexp.MustCompile(`(?i)(access[_-]?token[_-]?[=:\s]*["']?)[a-zA-Z0-9_.\-/+=]{20,}["']?`), "${1}[MASKED_ACCESS_TOKEN]"},
	{regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9_.\-/+=]{20,}`), "${1}[MASKED_BEARER_TOKEN]"},
	{regexp.MustCompile(`(?i)(\btoken[_-]?[=:\s]*["']?)[a-zA-Z0-9_.\-/+=]{20,}["']?`), "${1}[MASKED_TOKEN]"},
	{regexp.MustCompile(`(?i)(\b(?:password|passwd|pwd)[_-]?\s*[=:]\s*["']?)[^\s"']{6,}["']?`), "${1}[MASKED_PASSWORD]"},
	{regexp.MustCompile(`(?i)(\bsecret[_-]?[=:\s]*["']?)[a-zA-Z0-9_-]{24,}["']?`), "${1}[MASKED_SECRET]"},
}

var (
	emailRegex = regexp.MustCompile(`\b([a-zA-Z0-9._%+-]+)@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})\b`)
	ipv4Regex  = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|1?[0-9]?[0-9])\.){3}(?:25[0-5]|2[0-4][0-9]|1?[0-9]?[0-9])\b`)
	ipv6Regex  = regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b`)

	horizontalSpace = regexp.MustCompile(`[ \t\f\v]+`)
	trailingSpace   = regexp.MustCompile(`(?m)[ \t]+$`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// Options selects which cleaning passes run
type Options struct {
	Secrets    bool
	Emails     bool
	IPs        bool
	Whitespace bool
}

// DefaultOptions enables every pass
func DefaultOptions() Options {
	return Options{Secrets: true, Emails: true, IPs: true, Whitespace: true}
}

// Clean applies the selected passes in a fixed order
func Clean(text string, opts Options) string {
	if text == "" {
		return text
	}
	if opts.Whitespace {
		text = Whitespace(text)
	}
	if opts.Secrets {
		text = MaskSecrets(text)
	}
	if opts.Emails {
		text = MaskEmails(text)
	}
	if opts.IPs {
		text = MaskIPs(text)
	}
	return text
}

// Issue cleans a title and body with the default options
func Issue(title, body string) (string, string) {
	opts := DefaultOptions()
	return Clean(title, opts), Clean(body, opts)
}

// Whitespace collapses runs of horizontal whitespace and more than one blank
// line, keeping paragraph breaks so code blocks stay readable.
func Whitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = horizontalSpace.ReplaceAllString(text, " ")
	text = trailingSpace.ReplaceAllString(text, "")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// MaskSecrets replaces credentials with typed placeholders
func MaskSecrets(text string) string {
	for _, r := range secretRules {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	return text
}

// MaskEmails keeps the first and last character of the local part and the
// domain, which is usually enough context for triage.
func MaskEmails(text string) string {
	return emailRegex.ReplaceAllStringFunc(text, func(m string) string {
		parts := emailRegex.FindStringSubmatch(m)
		user, domain := parts[1], parts[2]
		if len(user) > 2 {
			user = user[:1] + strings.Repeat("*", len(user)-2) + user[len(user)-1:]
		} else {
			user = strings.Repeat("*", len(user))
		}
		return user + "@" + domain
	})
}

// MaskIPs hides IPv4 and full-form IPv6 addresses
func MaskIPs(text string) string {
	text = ipv4Regex.ReplaceAllString(text, "[MASKED_IPv4]")
	return ipv6Regex.ReplaceAllString(text, "[MASKED_IPv6]")
}
