package ai

import (
	"strings"
	"testing"
)

type verdictFixture struct {
	IsDuplicate bool    `json:"is_duplicate"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

func TestParse_DirectJSON(t *testing.T) {
	result := Parse[verdictFixture](`{"is_duplicate": true, "confidence": 0.9, "reasoning": "same crash"}`)

	if !result.Success {
		t.Fatalf("Expected successful parse, got error: %s", result.Error)
	}
	if !result.Data.IsDuplicate || result.Data.Confidence != 0.9 {
		t.Errorf("Unexpected data: %+v", result.Data)
	}
}

func TestParse_EmptyInput(t *testing.T) {
	result := Parse[verdictFixture]("   ")

	if result.Success {
		t.Fatal("Expected parse to fail on empty input")
	}
	if result.Error != "empty input" {
		t.Errorf("Expected 'empty input' error, got: %s", result.Error)
	}
}

func TestParse_CleanupStrategies(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "json fence",
			input: "```json\n{\"is_duplicate\": true, \"confidence\": 0.8}\n```",
		},
		{
			name:  "bare fence without newline",
			input: "```{\"is_duplicate\": true, \"confidence\": 0.8}```",
		},
		{
			name:  "trailing comma",
			input: `{"is_duplicate": true, "confidence": 0.8,}`,
		},
		{
			name:  "unquoted keys",
			input: `{is_duplicate: true, confidence: 0.8}`,
		},
		{
			name:  "prose around object",
			input: "Here is my verdict:\n{\"is_duplicate\": true, \"confidence\": 0.8}\nLet me know if you need more.",
		},
		{
			name:  "fence after prose",
			input: "Sure.\n```json\n{\"is_duplicate\": true, \"confidence\": 0.8}\n```",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Parse[verdictFixture](tt.input)
			if !result.Success {
				t.Fatalf("Expected success, got error: %s", result.Error)
			}
			if !result.Data.IsDuplicate || result.Data.Confidence != 0.8 {
				t.Errorf("Unexpected data: %+v", result.Data)
			}
		})
	}
}

func TestParse_KeepsApostrophes(t *testing.T) {
	result := Parse[verdictFixture](`{"reasoning": "it's the same bug"}`)
	if !result.Success {
		t.Fatalf("Expected success, got error: %s", result.Error)
	}
	if result.Data.Reasoning != "it's the same bug" {
		t.Errorf("Expected apostrophe preserved, got %q", result.Data.Reasoning)
	}
}

func TestParse_ArrayIsNotTruncatedToFirstElement(t *testing.T) {
	result := Parse[[]verdictFixture](`Results: [{"confidence": 0.1}, {"confidence": 0.2}]`)
	if !result.Success {
		t.Fatalf("Expected success, got error: %s", result.Error)
	}
	if len(result.Data) != 2 {
		t.Errorf("Expected 2 elements, got %d", len(result.Data))
	}
}

func TestParse_NoCleanup(t *testing.T) {
	result := Parse[verdictFixture]("```json\n{}\n```", ParseOptions{NoCleanup: true, LogErrors: boolPtr(false)})
	if result.Success {
		t.Fatal("Expected failure when cleanup is disabled")
	}
}

func TestParse_ContextPrefixesError(t *testing.T) {
	result := Parse[verdictFixture]("not json at all", ParseOptions{Context: "analysis response"})
	if result.Success {
		t.Fatal("Expected failure")
	}
	if !strings.HasPrefix(result.Error, "analysis response: ") {
		t.Errorf("Expected context prefix, got %q", result.Error)
	}
	if result.OriginalText != "not json at all" {
		t.Errorf("Expected original text to be kept, got %q", result.OriginalText)
	}
}

func TestParse_SizeLimit(t *testing.T) {
	result := Parse[verdictFixture](strings.Repeat("x", 50), ParseOptions{MaxInputSize: 10})
	if result.Success {
		t.Fatal("Expected size limit failure")
	}
	if !strings.Contains(result.Error, "exceeds size limit") {
		t.Errorf("Unexpected error: %s", result.Error)
	}
}

func TestTruncateStringRespectsRunes(t *testing.T) {
	got := truncateString("héllo", 2)
	if got != "h..." {
		t.Errorf("Expected %q, got %q", "h...", got)
	}
	if truncateString("short", 10) != "short" {
		t.Error("Expected short string unchanged")
	}
}
