package security

import (
	"regexp"
	"sort"
	"strings"

	"github.com/steveyegge/triage/internal/types"
)

// Category groups injection patterns that share a confidence weight.
type Category string

const (
	CategoryRoleManipulation  Category = "role_manipulation"
	CategorySystemPrompts     Category = "system_prompts"
	CategoryInstructionBypass Category = "instruction_bypass"
	CategoryFileManipulation  Category = "file_manipulation"
	CategoryCodeInjection     Category = "code_injection"
	CategoryDataExtraction    Category = "data_extraction"
	CategoryPromptLeakage     Category = "prompt_leakage"
)

// categoryWeights is the confidence assigned when any pattern of the category
// matches. Fake role markers such as "<system>" weigh below the medium/high
// boundary: on their own they warn rather than block.
var categoryWeights = map[Category]float64{
	CategoryInstructionBypass: 0.95,
	CategoryRoleManipulation:  0.9,
	CategoryPromptLeakage:     0.9,
	CategoryCodeInjection:     0.85,
	CategoryDataExtraction:    0.8,
	CategoryFileManipulation:  0.75,
	CategorySystemPrompts:     0.65,
}

type pattern struct {
	category Category
	name     string
	re       *regexp.Regexp
}

func (p pattern) id() string {
	return string(p.category) + ":" + p.name
}

func newPattern(category Category, name, expr string) pattern {
	return pattern{category: category, name: name, re: regexp.MustCompile(expr)}
}

var injectionPatterns = []pattern{
	newPattern(CategoryRoleManipulation, "ignore_instructions", `(?i)\b(ignore|forget|disregard|dismiss)\s+(previous|above|earlier|prior|all|the)\s+(instructions?|prompts?|rules?|commands?)`),
	newPattern(CategoryRoleManipulation, "ignore_all_previous", `(?i)\b(forget|ignore|disregard)\s+all\s+previous`),
	newPattern(CategoryRoleManipulation, "persona_switch", `(?i)\b(you\s+are\s+now|from\s+now\s+on)\s+.{0,50}\b(assistant|ai|bot|system)\b`),
	newPattern(CategoryRoleManipulation, "privileged_roleplay", `(?i)\b(act\s+as|pretend\s+to\s+be|roleplay\s+as)\s+.{0,30}\b(admin|root|developer|engineer)\b`),
	newPattern(CategoryRoleManipulation, "new_instructions", `(?i)\b(new|override|updated)\s+instructions?\b`),
	newPattern(CategoryRoleManipulation, "forget_everything", `(?i)\b(forget|ignore|disregard)\s+everything\b`),

	newPattern(CategorySystemPrompts, "role_prefix", `(?i)(^|\n)\s*(system|assistant|human)\s*:`),
	newPattern(CategorySystemPrompts, "role_tag", `(?i)<\s*/?\s*(system|assistant|human|user)\s*>`),
	newPattern(CategorySystemPrompts, "role_bracket", `(?i)\[\s*(system|assistant|human|user)\s*\]`),
	newPattern(CategorySystemPrompts, "role_fence", "(?i)```\\s*(system|assistant|human|user)\\b"),

	newPattern(CategoryInstructionBypass, "bypass_safety", `(?i)\b(bypass|circumvent|override|ignore)\s+.{0,30}\b(security|safety|filters?|restrictions?)\b`),
	newPattern(CategoryInstructionBypass, "jailbreak", `(?i)\b(jailbreak|prompt\s+injection|adversarial\s+prompt)`),
	newPattern(CategoryInstructionBypass, "disable_guard", `(?i)\b(disable|turn\s+off|deactivate)\s+.{0,30}\b(safety|filters?|guard|protection)\b`),
	newPattern(CategoryInstructionBypass, "unrestricted", `(?i)\b(unrestricted|no\s+restrictions?|without\s+limits?)\b`),

	newPattern(CategoryFileManipulation, "create_file", `(?i)\b(create|write|save|generate)\s+a\s+(new\s+)?(file|script)\b`),
	newPattern(CategoryFileManipulation, "write_to_file", `(?i)\b(write|save)\s+(it\s+)?to\s+(a\s+)?file\b`),
	newPattern(CategoryFileManipulation, "named_script", `(?i)\b(file\s+called|named)\s+\S{1,30}\.(txt|py|js|sh|bat)\b`),

	newPattern(CategoryCodeInjection, "script_tag", `(?i)<script[^>]*>`),
	newPattern(CategoryCodeInjection, "javascript_url", `(?i)\bjavascript\s*:`),
	newPattern(CategoryCodeInjection, "template_expression", `\$\{[^}]*\}|<%.*?%>`),

	newPattern(CategoryDataExtraction, "reveal_secret", `(?i)\b(show|display|reveal|expose|print|output)\s+.{0,30}\b(passwords?|api\s+keys?|secrets?|tokens?|credentials?)\b`),
	newPattern(CategoryDataExtraction, "ask_secret", `(?i)\b(what\s+is|tell\s+me)\s+.{0,30}\b(api\s+key|secret|password|token)\b`),
	newPattern(CategoryDataExtraction, "dump_data", `(?i)\b(dump|exfiltrate)\s+.{0,30}\b(data|database|config|settings|env)\b`),

	newPattern(CategoryPromptLeakage, "reveal_prompt", `(?i)\b(show|display|print|reveal|output)\s+.{0,30}\b(original|initial|system)\s+(prompt|instructions?)`),
	newPattern(CategoryPromptLeakage, "ask_prompt", `(?i)\bwhat\s+(was|were|is|are)\s+.{0,30}\b(original|initial|first|system)\s+(prompt|instructions?)`),
	newPattern(CategoryPromptLeakage, "repeat_prompt", `(?i)\b(repeat|echo|copy)\s+.{0,30}\b(system|original)\s+(prompt|instructions?)`),
}

// Heuristic signal names, reported as "heuristic:<name>".
const (
	heuristicSpecialChars = "excessive_special_characters"
	heuristicKeywords     = "multiple_instruction_keywords"
	heuristicFormatting   = "suspicious_formatting"
	heuristicLongSentence = "unusually_long_sentence"
)

var (
	specialRunRegex = regexp.MustCompile(`[^\w\s]{3,}`)
	tagRegex        = regexp.MustCompile(`</?\w+>`)
	separatorRegex  = regexp.MustCompile("```|---|===")
	sentenceSplit   = regexp.MustCompile(`[.!?]+`)

	instructionKeywords = []string{
		"ignore", "forget", "disregard", "override", "bypass", "system",
		"assistant", "admin", "root", "jailbreak", "unrestricted",
	}
)

// PatternDetector classifies text with regular expressions and simple
// structural heuristics. It never fails and needs no network access.
type PatternDetector struct {
	strict bool
}

// NewPatternDetector creates a pattern detector. Strict mode lowers every
// risk threshold by 0.1 and treats weaker heuristics as injection.
func NewPatternDetector(strict bool) *PatternDetector {
	return &PatternDetector{strict: strict}
}

func (d *PatternDetector) Name() string { return "pattern" }

// Scan classifies a single piece of text.
func (d *PatternDetector) Scan(text string) types.SecurityVerdict {
	if strings.TrimSpace(text) == "" {
		return types.SafeVerdict()
	}

	var (
		found      []string
		confidence float64
		injection  bool
	)
	for _, pat := range injectionPatterns {
		if pat.re.MatchString(text) {
			found = append(found, pat.id())
			confidence = max(confidence, categoryWeights[pat.category])
			injection = true
		}
	}

	hits, heuristic := scanHeuristics(text)
	found = append(found, hits...)
	confidence = max(confidence, heuristic)
	if heuristic > 0.5 || (d.strict && heuristic > 0.3) {
		injection = true
	}

	return types.SecurityVerdict{
		HasInjection: injection,
		RiskLevel:    MapRisk(confidence, len(found), d.strict),
		Confidence:   confidence,
		Patterns:     found,
	}
}

func scanHeuristics(text string) ([]string, float64) {
	var (
		found      []string
		confidence float64
	)

	if len(specialRunRegex.FindAllStringIndex(text, -1)) > 2 {
		found = append(found, "heuristic:"+heuristicSpecialChars)
		confidence = max(confidence, 0.6)
	}

	lower := strings.ToLower(text)
	keywords := 0
	for _, kw := range instructionKeywords {
		if strings.Contains(lower, kw) {
			keywords++
		}
	}
	if keywords >= 3 {
		found = append(found, "heuristic:"+heuristicKeywords)
		confidence = max(confidence, 0.7)
	}

	tags := len(tagRegex.FindAllStringIndex(text, -1))
	separators := len(separatorRegex.FindAllStringIndex(text, -1))
	if tags > 4 || separators > 2 {
		found = append(found, "heuristic:"+heuristicFormatting)
		confidence = max(confidence, 0.5)
	}

	for _, sentence := range sentenceSplit.Split(text, -1) {
		if len(strings.Fields(sentence)) > 100 {
			found = append(found, "heuristic:"+heuristicLongSentence)
			confidence = max(confidence, 0.4)
			break
		}
	}

	return found, confidence
}

// MapRisk converts a detector confidence and the number of distinct signals
// into a risk level. Either a strong signal or many weak ones raise the level.
func MapRisk(confidence float64, signals int, strict bool) types.RiskLevel {
	shift := 0.0
	if strict {
		shift = 0.1
	}
	switch {
	case confidence >= 0.9-shift || signals >= 5:
		return types.RiskCritical
	case confidence >= 0.8-shift || signals >= 3:
		return types.RiskHigh
	case confidence >= 0.6-shift || signals >= 2:
		return types.RiskMedium
	case confidence >= 0.3-shift || signals >= 1:
		return types.RiskLow
	default:
		return types.RiskSafe
	}
}

// Sanitize replaces every span matched by an injection pattern with
// [FILTERED]. Used on the copy of the body handed to analysis when an
// injection was flagged but not blocked.
func Sanitize(text string) string {
	for _, pat := range injectionPatterns {
		text = pat.re.ReplaceAllString(text, "[FILTERED]")
	}
	return text
}

func mergeVerdicts(strict bool, verdicts ...types.SecurityVerdict) types.SecurityVerdict {
	out := types.SafeVerdict()
	seen := make(map[string]bool)
	for _, v := range verdicts {
		out.HasInjection = out.HasInjection || v.HasInjection
		out.Confidence = max(out.Confidence, v.Confidence)
		if v.RiskLevel > out.RiskLevel {
			out.RiskLevel = v.RiskLevel
		}
		for _, name := range v.Patterns {
			if !seen[name] {
				seen[name] = true
				out.Patterns = append(out.Patterns, name)
			}
		}
	}
	sort.Strings(out.Patterns)
	if mapped := MapRisk(out.Confidence, len(out.Patterns), strict); mapped > out.RiskLevel {
		out.RiskLevel = mapped
	}
	return out
}
