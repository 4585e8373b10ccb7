package enrich

import "strings"

// CompanyName returns the display name of a note's company value as decoded
// from JSON: a string is its own name, an object is named by its first
// non-empty "name", "displayName" or "title" member. Anything else is "-".
func CompanyName(company any) string {
	switch c := company.(type) {
	case string:
		if strings.TrimSpace(c) == "" {
			return "-"
		}
		return c
	case map[string]any:
		for _, key := range []string{"name", "displayName", "title"} {
			if s, ok := c[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return "-"
}
