package configutil

import (
	"errors"
	"sort"
	"strings"
)

// Schema lists the keys a settings block accepts. Matching is
// case-insensitive and treats underscores and hyphens alike, so
// api_key, API-Key and apikey all satisfy the same entry.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// ValidateSettings checks input against the schema before decoding.
// Required keys must be present and non-empty; keys outside the schema
// are rejected unless AllowUnknown is set. All violations land in one
// error so a config author fixes the block in a single pass.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
	}
	known := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for nk := range required {
		known[nk] = struct{}{}
	}
	for _, k := range schema.Optional {
		known[normalizeKey(k)] = struct{}{}
	}

	var missing, unknown []string
	seen := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		seen[nk] = true
		if _, ok := known[nk]; !ok && !schema.AllowUnknown {
			unknown = append(unknown, k)
		}
		if canonical, ok := required[nk]; ok && isEmptyValue(v) {
			missing = append(missing, canonical)
		}
	}
	for nk, canonical := range required {
		if !seen[nk] {
			missing = append(missing, canonical)
		}
	}

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return errors.New(strings.Join(parts, "; "))
}

// Empty means the key might as well be absent: nil or a blank string.
// Numeric zero stays valid; 0 is a meaningful setting.
func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
