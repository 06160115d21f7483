// Package patterns pulls named fields out of free-form document text.
package patterns

import (
	"regexp"
	"strings"
)

type Rule struct {
	Field   string
	Pattern *regexp.Regexp
}

func rule(field, pattern string) Rule {
	return Rule{Field: field, Pattern: regexp.MustCompile(`(?i)` + pattern)}
}

// Catalog is the ordered list of rules applied by Extract.
var Catalog = []Rule{
	rule("plan_number", `Z\d{10}`),
	rule("folio", `Folio[:\s#]*(\d{2}-\d{4}-\d{3}-\d{4})`),
	rule("address", `(?:Property Address|Site Address|Location)[:\s]*([^\n]+)`),
	rule("owner", `(?:Owner|Applicant|Property Owner)[:\s]*([^\n]+)`),
	rule("zoning_current", `(?:Current Zoning|Existing Zoning)[:\s]*([A-Z0-9-]+)`),
	rule("zoning_proposed", `(?:Proposed Zoning|Requested Zoning)[:\s]*([A-Z0-9-]+)`),
	rule("acreage", `(\d+\.?\d*)\s*(?:acres?|AC)`),
	rule("units", `(\d+)\s*(?:units?|dwelling units?|DU)`),
	rule("density", `(\d+\.?\d*)\s*(?:units per acre|DU/AC)`),
	rule("square_feet", `(\d{1,3}(?:,\d{3})*)\s*(?:sq\.?\s*ft\.?|SF|square feet)`),
}

// Extract applies every rule in Catalog to text. For each rule the leftmost
// match wins, the first capture group is the value when the pattern has one.
// Fields without a match are absent from the result.
func Extract(text string) map[string]string {
	return ExtractWith(Catalog, text)
}

func ExtractWith(rules []Rule, text string) map[string]string {
	out := map[string]string{}
	for _, r := range rules {
		match := r.Pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		value := match[0]
		if r.Pattern.NumSubexp() > 0 {
			value = match[1]
		}
		out[r.Field] = strings.TrimRight(value, "\r")
	}
	return out
}

// Merge copies every field of src that dst does not have yet.
func Merge(dst, src map[string]string) {
	for k, v := range src {
		if _, ok := dst[k]; ok {
			continue
		}
		dst[k] = v
	}
}
