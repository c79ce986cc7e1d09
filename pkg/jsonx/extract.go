// Package jsonx extracts JSON objects from noisy model output. Models wrap
// JSON in prose, markdown fences, python literals, and half-valid syntax;
// Extract works through a fixed ladder of strategies and never fails hard.
package jsonx

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

var (
	fencedBlockRe   = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
	kvStringRe      = regexp.MustCompile(`"([A-Za-z_][A-Za-z0-9_]*)"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	kvBoolRe        = regexp.MustCompile(`"([A-Za-z_][A-Za-z0-9_]*)"\s*:\s*(true|false)`)
	kvNumberRe      = regexp.MustCompile(`"([A-Za-z_][A-Za-z0-9_]*)"\s*:\s*(-?\d+(?:\.\d+)?)`)
)

// Extract returns the first JSON object found in raw, trying increasingly
// forgiving strategies. When everything fails it returns def and logs the
// context together with the first 200 characters of the input.
func Extract(raw string, def map[string]any, logContext string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}

	// 1. Direct parse.
	if m, ok := tryParse(raw); ok {
		return m
	}

	// 2. First '{' to last '}'.
	if sliced := braceSlice(raw); sliced != "" {
		if m, ok := tryParse(sliced); ok {
			return m
		}
	}

	// 3. Fenced markdown block.
	if match := fencedBlockRe.FindStringSubmatch(raw); len(match) == 2 {
		if m, ok := tryParse(match[1]); ok {
			return m
		}
	}

	// 4. Repair pass over the best candidate slice.
	candidate := braceSlice(raw)
	if candidate == "" {
		candidate = raw
	}
	if m, ok := tryParse(Repair(candidate)); ok {
		return m
	}

	// 5. Scavenge top-level key/value pairs.
	if m := scavenge(Repair(candidate)); len(m) > 0 {
		return m
	}

	preview := raw
	if len(preview) > 200 {
		preview = preview[:200]
	}
	slog.Warn("JSON extraction failed, using default",
		"context", logContext,
		"preview", preview,
	)
	return def
}

func tryParse(s string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, false
	}
	return m, true
}

func braceSlice(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// Repair normalizes near-JSON: trailing commas, python literals, bare keys,
// and single-quoted strings (only when the input carries no double quotes).
func Repair(s string) string {
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	s = replaceLiteral(s, "True", "true")
	s = replaceLiteral(s, "False", "false")
	s = replaceLiteral(s, "None", "null")
	s = bareKeyRe.ReplaceAllString(s, `$1"$2"$3`)
	// Bare-key quoting has already inserted double quotes by this point, so
	// inputs mixing bare keys with single-quoted values keep their single
	// quotes and fall through to the scavenge pass.
	if !strings.Contains(s, `"`) {
		s = strings.ReplaceAll(s, "'", `"`)
	}
	return s
}

// replaceLiteral swaps a python literal for its JSON form at word boundaries.
func replaceLiteral(s, from, to string) string {
	re := regexp.MustCompile(`\b` + from + `\b`)
	return re.ReplaceAllString(s, to)
}

// scavenge pulls top-level string/bool/number pairs out of broken JSON text.
func scavenge(s string) map[string]any {
	m := make(map[string]any)
	for _, match := range kvStringRe.FindAllStringSubmatch(s, -1) {
		var decoded string
		if err := json.Unmarshal([]byte(`"`+match[2]+`"`), &decoded); err == nil {
			m[match[1]] = decoded
		}
	}
	for _, match := range kvBoolRe.FindAllStringSubmatch(s, -1) {
		m[match[1]] = match[2] == "true"
	}
	for _, match := range kvNumberRe.FindAllStringSubmatch(s, -1) {
		var n float64
		if err := json.Unmarshal([]byte(match[2]), &n); err == nil {
			m[match[1]] = n
		}
	}
	return m
}
