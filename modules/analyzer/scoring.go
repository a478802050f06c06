package analyzer

import (
	"strings"

	"github.com/andreypavlenko/formsender/modules/analyzer/domport"
	"github.com/andreypavlenko/formsender/modules/analyzer/fields"
)

// scoreCandidate combines attribute, label/context, type, and positional
// signals into a single score, then adds the field's RequiredBoost exactly
// once if the element is itself detected required. An exclude-pattern hit
// rejects the element outright; a type mismatch only withholds the type
// bonus. Without any strict/weak pattern hit the element is rejected unless
// its type alone is telling (email, tel or textarea) and matches the
// field's bucket, so a bare required text input never scores on its
// required flag alone.
func scoreCandidate(spec fields.Spec, attrs domport.ElementAttrs) (score float64, ok bool) {
	attrBlob := strings.ToLower(strings.Join([]string{attrs.Name, attrs.ID, attrs.Class, attrs.Placeholder, attrs.AriaLabel}, " "))
	labelBlob := strings.ToLower(attrs.LabelText)
	contextBlob := strings.ToLower(attrs.ContextText)

	for _, excl := range spec.ExcludePatterns {
		if fields.ContainsTokenWithBoundary(attrBlob, strings.ToLower(excl)) ||
			fields.ContainsTokenWithBoundary(labelBlob, strings.ToLower(excl)) {
			return 0, false
		}
	}

	for _, strict := range spec.StrictPatterns {
		token := strings.ToLower(strict)
		if fields.ContainsTokenWithBoundary(attrBlob, token) {
			score += 50
		}
		if fields.ContainsTokenWithBoundary(labelBlob, token) {
			score += 45
		}
		if fields.ContainsTokenWithBoundary(contextBlob, token) {
			score += 15
		}
	}
	for _, weak := range spec.WeakPatterns {
		token := strings.ToLower(weak)
		if fields.ContainsTokenWithBoundary(attrBlob, token) {
			score += 15
		}
		if fields.ContainsTokenWithBoundary(labelBlob, token) {
			score += 10
		}
	}

	patternHit := score > 0
	typeMatch := bucketMatchesType(spec.BucketTypes, attrs.Type, attrs.TagName)
	t := strings.ToLower(attrs.Type)
	telling := t == "email" || t == "tel" || strings.EqualFold(attrs.TagName, "textarea")
	if !patternHit && !(typeMatch && telling) {
		return 0, false
	}
	if typeMatch {
		score += 20
	}

	if attrs.Required || attrs.AriaRequired {
		score += float64(boostOrDefault(spec))
	}

	if score > 0 {
		score += positionalBonus(attrs)
	}

	return score, score > 0
}

func boostOrDefault(spec fields.Spec) int {
	if spec.RequiredBoost > 0 {
		return spec.RequiredBoost
	}
	return 40
}

func bucketMatchesType(bucketTypes []string, elementType, tagName string) bool {
	t := strings.ToLower(elementType)
	tag := strings.ToLower(tagName)
	for _, b := range bucketTypes {
		switch b {
		case "email_inputs":
			if t == "email" {
				return true
			}
		case "tel_inputs":
			if t == "tel" {
				return true
			}
		case "textareas":
			if tag == "textarea" {
				return true
			}
		case "selects":
			if tag == "select" {
				return true
			}
		case "text_inputs":
			if tag == "input" && (t == "text" || t == "") {
				return true
			}
		}
	}
	return false
}

// positionalBonus gives a small flat edge (+2) to visible elements; page
// position is not taken into account.
func positionalBonus(attrs domport.ElementAttrs) float64 {
	if attrs.Visible {
		return 2
	}
	return 0
}

// dynamicQualityThreshold returns the score a candidate must clear to be
// mapped. A fields.PerFieldThreshold entry wins over every other rule
// (it sets 姓/名 below base); otherwise essentials use the base threshold;
// high-priority optionals get a
// small boost above base; everything else tightens once all essentials are
// already mapped.
func dynamicQualityThreshold(spec fields.Spec, baseThreshold float64, essentialsComplete bool) float64 {
	if perField, ok := fields.PerFieldThreshold[spec.Name]; ok {
		return perField
	}
	if spec.Essential {
		return baseThreshold
	}
	if fields.OptionalHighPriority[spec.Name] {
		return baseThreshold + 10
	}
	if essentialsComplete {
		return baseThreshold + 25
	}
	return baseThreshold + 15
}
