package policy

import (
	"encoding/json"
	"regexp"
	"strings"
)

type secretPattern struct {
	label   string
	pattern *regexp.Regexp
}

// Secrets are masked before PII so that token bodies are not partially
// rewritten as phone or card numbers.
var secretPatterns = []secretPattern{
	{label: "api_key", pattern: regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`)},
	{label: "api_key", pattern: regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9_\-]{32,}`)},
	{label: "aws_key", pattern: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{label: "github_token", pattern: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36}\b`)},
	{label: "jwt", pattern: regexp.MustCompile(`eyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`)},
	{label: "private_key", pattern: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?(?:-----END [A-Z ]*PRIVATE KEY-----|$)`)},
	{label: "bearer_token", pattern: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]{16,}`)},
}

var (
	connPasswordPattern = regexp.MustCompile(`((?:postgres(?:ql)?|mysql|redis|mongodb(?:\+srv)?)://[^:/\s]+:)([^@\s]+)(@)`)
	emailPattern        = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phonePattern        = regexp.MustCompile(`(?:\+\d[\d()\-\s.]{7,}\d)`)
	cardPattern         = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
)

// MaskString redacts credentials and personal data from free text.
func MaskString(value string) string {
	masked := value
	for _, secret := range secretPatterns {
		masked = secret.pattern.ReplaceAllString(masked, "["+secret.label+"_redacted]")
	}
	masked = connPasswordPattern.ReplaceAllString(masked, "${1}[password_redacted]${3}")
	masked = emailPattern.ReplaceAllString(masked, "[email_redacted]")
	masked = phonePattern.ReplaceAllString(masked, "[phone_redacted]")
	masked = cardPattern.ReplaceAllStringFunc(masked, maskCardNumber)
	return masked
}

// MaskJSON applies MaskString to every string value of a JSON document. Input
// that does not decode is masked as plain text.
func MaskJSON(payload json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return append(json.RawMessage(nil), payload...)
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return json.RawMessage(MaskString(string(payload)))
	}

	encoded, err := json.Marshal(maskValue(decoded))
	if err != nil {
		return append(json.RawMessage(nil), payload...)
	}
	return encoded
}

func maskValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, child := range typed {
			cloned[key] = maskValue(child)
		}
		return cloned
	case []any:
		cloned := make([]any, 0, len(typed))
		for _, child := range typed {
			cloned = append(cloned, maskValue(child))
		}
		return cloned
	case string:
		return MaskString(typed)
	default:
		return value
	}
}

func maskCardNumber(value string) string {
	digits := make([]rune, 0, len(value))
	for _, char := range value {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) < 13 {
		return value
	}
	return "**** **** **** " + string(digits[len(digits)-4:])
}
