package domain

import (
	"fmt"
	"regexp"
)

const (
	minMaterialLength = 10
	maxMaterialLength = 500

	maxProviderIDLength = 100
	maxMetadataEntries  = 100
	maxMetadataDepth    = 4
	maxListLength       = 100
)

var providerIDPattern = regexp.MustCompile(`^[a-z0-9_-]{1,100}$`)

// The fixed injection-pattern substring set from the glossary: quote-OR-quote,
// DROP TABLE, UNION SELECT, $where, $ne, $gt, shell metacharacters ; | $(,
// <script, javascript:, and path-traversal .. segments.
var (
	quoteOrQuotePattern       = regexp.MustCompile(`(?i)'\s*or\s*'`)
	sqlKeywordPattern         = regexp.MustCompile(`(?i)\b(drop table|union select)\b`)
	noSQLOperatorPattern      = regexp.MustCompile(`\$(where|ne|gt)\b`)
	shellMetacharacterPattern = regexp.MustCompile(`[;|]|\$\(`)
	scriptPattern             = regexp.MustCompile(`(?i)<script|javascript:`)
	pathTraversalPattern      = regexp.MustCompile(`\.\.[/\\]`)
)

// containsInjectionPattern reports whether s contains any of the glossary's
// fixed injection-pattern substrings.
func containsInjectionPattern(s string) bool {
	return quoteOrQuotePattern.MatchString(s) ||
		sqlKeywordPattern.MatchString(s) ||
		noSQLOperatorPattern.MatchString(s) ||
		shellMetacharacterPattern.MatchString(s) ||
		scriptPattern.MatchString(s) ||
		pathTraversalPattern.MatchString(s)
}

// ValidateMaterial enforces spec 4.1's registration rule: length 10-500, no
// control characters, no injection-pattern substrings.
func ValidateMaterial(material string) error {
	if len(material) < minMaterialLength {
		return fmt.Errorf("key material must be at least %d characters, got %d", minMaterialLength, len(material))
	}
	if len(material) > maxMaterialLength {
		return fmt.Errorf("key material must be at most %d characters, got %d", maxMaterialLength, len(material))
	}
	for _, r := range material {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("key material contains control characters")
		}
	}
	if containsInjectionPattern(material) {
		return fmt.Errorf("key material contains a disallowed pattern")
	}
	return nil
}

// ValidateProviderID enforces the lowercase [a-z0-9_-]{1,100} rule.
func ValidateProviderID(id string) error {
	if !providerIDPattern.MatchString(id) {
		return fmt.Errorf("provider id %q must match [a-z0-9_-]{1,100}", id)
	}
	return nil
}

// ValidateMetadata enforces the bounded-size, bounded-depth rule: <=100
// top-level entries, <=4 levels deep, values are primitives or lists of
// primitives <=100 long.
func ValidateMetadata(metadata map[string]interface{}) error {
	if metadata == nil {
		return nil
	}
	if len(metadata) > maxMetadataEntries {
		return fmt.Errorf("metadata has %d top-level entries, max is %d", len(metadata), maxMetadataEntries)
	}
	for key, value := range metadata {
		if err := validateMetadataValue(value, 2); err != nil {
			return fmt.Errorf("metadata[%q]: %w", key, err)
		}
	}
	return nil
}

func validateMetadataValue(value interface{}, depth int) error {
	if depth > maxMetadataDepth {
		return fmt.Errorf("nesting depth exceeds %d", maxMetadataDepth)
	}
	switch v := value.(type) {
	case nil, bool, int, int64, float64, string:
		return nil
	case []interface{}:
		if len(v) > maxListLength {
			return fmt.Errorf("list length %d exceeds %d", len(v), maxListLength)
		}
		for _, item := range v {
			if err := validateMetadataValue(item, depth+1); err != nil {
				return err
			}
		}
		return nil
	case map[string]interface{}:
		if len(v) > maxMetadataEntries {
			return fmt.Errorf("nested map has %d entries, max is %d", len(v), maxMetadataEntries)
		}
		for _, item := range v {
			if err := validateMetadataValue(item, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported metadata value type %T", value)
	}
}
