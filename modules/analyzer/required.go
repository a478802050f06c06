package analyzer

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/andreypavlenko/formsender/modules/analyzer/domport"
)

var (
	requiredClassMarker = regexp.MustCompile(`(?i)required|must|wpcf7-validates-as-required|fldrequired`)
	requiredTextMarkers = []string{"必須", "Required", "Mandatory", "*", "＊"}
)

// analyzeRequiredFields implements spec.md §4.1.1 step 4: a field is
// required if any of several independent signals fire. It returns the set
// of required elements keyed by both name and id (selectors are not stable
// enough across later lookups, name/id is what the mapper's
// is_required_match check needs), plus whether treat_all_as_required should
// widen the essential-field mapping.
func (a *Analyzer) analyzeRequiredFields(ctx context.Context, buckets domport.ClassifiedBuckets) (map[string]bool, bool, error) {
	required := map[string]bool{}
	anySignal := false
	anyCandidate := false

	all := allElements(buckets)
	for _, el := range all {
		anyCandidate = true
		attrs, err := a.cachedAttrs(ctx, el)
		if err != nil {
			continue
		}
		if isElementRequired(attrs) {
			anySignal = true
			if attrs.Name != "" {
				required[attrs.Name] = true
			}
			if attrs.ID != "" {
				required[attrs.ID] = true
			}
		}
	}

	treatAllAsRequired := anyCandidate && !anySignal
	return required, treatAllAsRequired, nil
}

func isElementRequired(attrs domport.ElementAttrs) bool {
	if attrs.Required || attrs.AriaRequired {
		return true
	}
	if requiredClassMarker.MatchString(attrs.Class) {
		return true
	}
	combined := attrs.LabelText + " " + attrs.ContextText
	for _, marker := range requiredTextMarkers {
		if strings.Contains(combined, marker) && utf8.RuneCountInString(combined) <= 10 {
			return true
		}
	}
	if strings.Contains(combined, "※") && utf8.RuneCountInString(combined) <= 10 {
		return true
	}
	return false
}

func allElements(buckets domport.ClassifiedBuckets) []domport.Element {
	var all []domport.Element
	all = append(all, buckets.TextInputs...)
	all = append(all, buckets.EmailInputs...)
	all = append(all, buckets.TelInputs...)
	all = append(all, buckets.URLInputs...)
	all = append(all, buckets.NumberInputs...)
	all = append(all, buckets.Textareas...)
	all = append(all, buckets.Selects...)
	all = append(all, buckets.Radios...)
	all = append(all, buckets.Checkboxes...)
	return all
}
