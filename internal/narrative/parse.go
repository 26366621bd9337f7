package narrative

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DecodeJSON unmarshals a completion response into v. Responses that do
// not parse as-is get one extraction retry (stripping markdown fences
// and surrounding prose) before being treated as malformed.
func DecodeJSON(text string, v any) error {
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}

	extracted := extractJSON(text)
	if extracted != "" {
		if err := json.Unmarshal([]byte(extracted), v); err == nil {
			return nil
		}
	}

	return &domain.NarrativeError{
		Kind: domain.NarrativeMalformedResponse,
		Err:  fmt.Errorf("response is not valid JSON"),
	}
}

// extractJSON pulls the first JSON object out of a response that wraps
// it in markdown fences or prose.
func extractJSON(text string) string {
	s := strings.TrimSpace(text)

	// Strip markdown code fences.
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	// Fall back to the outermost braces.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
