package domain

import "strings"

// NormalizeHumanName trims leading/trailing whitespace and collapses internal
// whitespace runs. It is used for displayName normalization.
func NormalizeHumanName(s string) string {
	return collapseSpaces(s)
}

// NormalizePlaceName applies the same collapsing to place names.
// Recent-locations deduplication compares normalized names.
func NormalizePlaceName(s string) string {
	return collapseSpaces(s)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
