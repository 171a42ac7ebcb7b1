package orchestration

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// snapshotLimit bounds each stage snapshot kept on a JSONParseError.
const snapshotLimit = 200

var (
	wrappedFence  = regexp.MustCompile("(?s)^\\s*```[\\w+-]*[ \\t]*\\r?\\n?(.*?)\\r?\\n?[ \\t]*```\\s*$")
	embeddedFence = regexp.MustCompile("(?s)```[\\w+-]*[ \\t]*\\r?\\n?(.*?)\\r?\\n?[ \\t]*```")
	leadingFence  = regexp.MustCompile("^\\s*```[\\w+-]*")
	trailingFence = regexp.MustCompile("```\\s*$")
)

// JSONParseError reports that no extraction stage produced valid JSON.
// Each field holds the first 200 characters of the text a stage worked on.
type JSONParseError struct {
	Original  string
	Cleaned   string
	Extracted string
	Repaired  string
	Err       error
}

func (e *JSONParseError) Error() string {
	return fmt.Sprintf("no valid JSON found in model output (cleaned=%q): %v", e.Cleaned, e.Err)
}

func (e *JSONParseError) Unwrap() error {
	return e.Err
}

// ParseJSON recovers a JSON value from free-form model output. Stages run in
// order and the first that parses wins: fence stripping, a direct parse, the
// span from the first '{' to the last '}', and brace-balance repair.
func ParseJSON(text string) (json.RawMessage, error) {
	perr := &JSONParseError{Original: snapshot(text)}

	cleaned := stripFences(text)
	perr.Cleaned = snapshot(cleaned)
	raw, err := tryParse(cleaned)
	if err == nil {
		return raw, nil
	}
	perr.Err = err

	start := strings.Index(cleaned, "{")
	if start < 0 {
		return nil, perr
	}

	end := strings.LastIndex(cleaned, "}")
	extracted := cleaned[start:]
	if end > start {
		extracted = cleaned[start : end+1]
		perr.Extracted = snapshot(extracted)
		if raw, err = tryParse(extracted); err == nil {
			return raw, nil
		}
		perr.Err = err
	}

	candidates := []string{extracted}
	if tail := cleaned[start:]; tail != extracted {
		candidates = append(candidates, tail)
	}
	for _, c := range candidates {
		repaired, ok := balanceBraces(c)
		if !ok {
			continue
		}
		perr.Repaired = snapshot(repaired)
		if raw, err = tryParse(repaired); err == nil {
			return raw, nil
		}
		perr.Err = err
	}
	return nil, perr
}

// DecodeJSON extracts JSON from text with ParseJSON and unmarshals it into v.
func DecodeJSON(text string, v interface{}) error {
	raw, err := ParseJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode extracted JSON: %w", err)
	}
	return nil
}

// stripFences removes markdown code fences around or inside text.
func stripFences(text string) string {
	if m := wrappedFence.FindStringSubmatch(text); m != nil && !strings.Contains(m[1], "```") {
		return strings.TrimSpace(m[1])
	}
	if replaced := embeddedFence.ReplaceAllString(text, "$1"); replaced != text {
		return strings.TrimSpace(replaced)
	}
	if strings.Contains(text, "```") {
		text = leadingFence.ReplaceAllString(text, "")
		text = trailingFence.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}

func tryParse(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty input")
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}

// balanceBraces appends the closing braces s is missing. Braces inside
// string literals are ignored. It reports false when nothing is missing.
func balanceBraces(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
		}
	}
	if depth <= 0 {
		return s, false
	}
	return s + strings.Repeat("}", depth), true
}

func snapshot(s string) string {
	if len(s) <= snapshotLimit {
		return s
	}
	return s[:snapshotLimit]
}
