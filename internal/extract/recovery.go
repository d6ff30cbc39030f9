package extract

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

const rawPreviewLimit = 500

var (
	fenceLine     = regexp.MustCompile("(?m)^\\s*```[a-zA-Z]*\\s*$")
	arrayStart    = regexp.MustCompile(`\[\s*\{`)
	flatObject    = regexp.MustCompile(`(?s)\{[^{}]*\}`)
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// Strategy names the recovery step that produced a parse.
type Strategy string

const (
	StrategyDirect        Strategy = "direct"
	StrategyFirstArray    Strategy = "first_array"
	StrategyObjects       Strategy = "objects"
	StrategyTrailingComma Strategy = "trailing_comma"
)

var errUnrecoverable = errors.New("no JSON records found in response")

// Recover pulls JSON records out of a model response. Strategies are tried in order: direct
// parse after stripping markdown fences, the first array, every flat object, and finally the
// same steps after removing trailing commas.
func Recover(raw string) ([]map[string]any, Strategy, error) {
	text := stripFences(raw)
	if text == "" {
		return nil, "", errUnrecoverable
	}

	if recs, ok := parseRecords(text); ok {
		return recs, StrategyDirect, nil
	}
	if m, ok := firstArray(text); ok {
		if recs, ok := parseRecords(m); ok {
			return recs, StrategyFirstArray, nil
		}
	}
	if recs, ok := parseObjects(text); ok {
		return recs, StrategyObjects, nil
	}

	fixed := trailingComma.ReplaceAllString(text, "$1")
	if fixed != text {
		if recs, ok := parseRecords(fixed); ok {
			return recs, StrategyTrailingComma, nil
		}
		if m, ok := firstArray(fixed); ok {
			if recs, ok := parseRecords(m); ok {
				return recs, StrategyTrailingComma, nil
			}
		}
		if recs, ok := parseObjects(fixed); ok {
			return recs, StrategyTrailingComma, nil
		}
	}
	return nil, "", errUnrecoverable
}

// firstArray decodes the first array of objects in text and ignores whatever follows it.
func firstArray(text string) (string, bool) {
	loc := arrayStart.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	var raw json.RawMessage
	if err := json.NewDecoder(strings.NewReader(text[loc[0]:])).Decode(&raw); err != nil {
		return "", false
	}
	return string(raw), true
}

func stripFences(raw string) string {
	return strings.TrimSpace(fenceLine.ReplaceAllString(raw, ""))
}

// parseRecords accepts an array of objects, a single object, or an object wrapping an array
// under a conventional key.
func parseRecords(text string) ([]map[string]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, false
	}
	switch t := v.(type) {
	case []any:
		return objectsOf(t)
	case map[string]any:
		for _, key := range []string{"items", "records", "data", "results"} {
			if inner, ok := t[key].([]any); ok {
				return objectsOf(inner)
			}
		}
		return []map[string]any{t}, true
	default:
		return nil, false
	}
}

func objectsOf(list []any) ([]map[string]any, bool) {
	out := make([]map[string]any, 0, len(list))
	for _, el := range list {
		obj, ok := el.(map[string]any)
		if !ok {
			return nil, false
		}
		out = append(out, obj)
	}
	return out, true
}

// parseObjects succeeds only when every flat object in text parses, so a response with a
// single broken record falls through to the trailing-comma step instead of losing it.
func parseObjects(text string) ([]map[string]any, bool) {
	matches := flatObject.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil, false
	}
	out := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		var obj map[string]any
		if err := json.Unmarshal([]byte(m), &obj); err != nil {
			return nil, false
		}
		out = append(out, obj)
	}
	return out, true
}

// preview truncates a raw response for diagnostics without splitting a UTF-8 sequence.
func preview(raw string) string {
	if utf8.RuneCountInString(raw) <= rawPreviewLimit {
		return raw
	}
	runes := []rune(raw)
	return string(runes[:rawPreviewLimit])
}
