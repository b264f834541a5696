// Package extract holds the pure field-extraction helpers: regex capture from
// slide names, column mapping from tabular rows, shim-dictionary value
// normalization, and filename template expansion. Nothing here touches store
// state; callers apply the results.
package extract

import (
	"fmt"
	"regexp"
	"strings"
)

// RegexRule captures one canonical field from an item name. Group selects the
// capture group (default 1; fall back to the whole match when the pattern has
// no groups).
type RegexRule struct {
	Field   string `json:"field"`
	Pattern string `json:"pattern"`
	Group   int    `json:"group,omitempty"`
}

// RuleSet is an ordered list of rules. Rules are tried in order and the first
// match wins per field; later rules for an already-matched field are skipped.
type RuleSet []RegexRule

// Validate compiles every pattern, reporting the first invalid one.
func (rs RuleSet) Validate() error {
	for i, rule := range rs {
		if strings.TrimSpace(rule.Field) == "" {
			return fmt.Errorf("rule %d: field required", i)
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, rule.Field, err)
		}
	}
	return nil
}

// Apply runs the rule set against a name and returns the captured value per
// field. Fields with no matching rule are absent from the result.
func (rs RuleSet) Apply(name string) map[string]string {
	out := make(map[string]string)
	for _, rule := range rs {
		if _, done := out[rule.Field]; done {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			continue
		}
		match := re.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		group := rule.Group
		if group <= 0 {
			group = 1
		}
		var value string
		if group < len(match) {
			value = match[group]
		} else {
			value = match[0]
		}
		if value != "" {
			out[rule.Field] = value
		}
	}
	return out
}

// ColumnMapping maps canonical field names to raw column paths. Paths may be
// dotted to reach nested values inside the raw bag.
type ColumnMapping map[string]string

// Apply resolves every mapped path against the raw bag and returns the
// non-empty values keyed by canonical field.
func (cm ColumnMapping) Apply(raw map[string]any) map[string]string {
	out := make(map[string]string)
	for field, path := range cm {
		value, ok := ResolvePath(raw, path)
		if !ok {
			continue
		}
		if s := stringify(value); s != "" {
			out[field] = s
		}
	}
	return out
}

// ResolvePath walks a dotted path through nested maps in the raw bag.
func ResolvePath(raw map[string]any, path string) (any, bool) {
	if raw == nil || strings.TrimSpace(path) == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current any = raw
	for _, segment := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(tv)
	case float64:
		// JSON numbers arrive as float64; render integers without a decimal.
		if tv == float64(int64(tv)) {
			return fmt.Sprintf("%d", int64(tv))
		}
		return fmt.Sprintf("%g", tv)
	case bool:
		return fmt.Sprintf("%t", tv)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", tv))
	}
}

// ShimDictionary normalizes free-form values: for each field, a canonical
// value maps to the aliases that should collapse into it. The original site
// dictionaries map scanner and lab spellings onto schema vocabulary.
type ShimDictionary map[string]map[string][]string

// Normalize returns the canonical spelling for value under field. Values that
// already are canonical, or that match no alias, come back unchanged with
// ok=false.
func (d ShimDictionary) Normalize(field, value string) (string, bool) {
	keyMap, ok := d[field]
	if !ok || value == "" {
		return value, false
	}
	if _, canonical := keyMap[value]; canonical {
		return value, false
	}
	for canonical, aliases := range keyMap {
		for _, alias := range aliases {
			if alias == value {
				return canonical, true
			}
		}
	}
	return value, false
}
