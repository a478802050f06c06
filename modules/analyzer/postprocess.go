package analyzer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/andreypavlenko/formsender/modules/analyzer/domport"
	"github.com/andreypavlenko/formsender/modules/analyzer/fields"
)

var phoneTripletPattern = regexp.MustCompile(`(?i)(?:tel|phone)[^\d]*([123])`)

// postalSplitTokens is the token set a zip/postal-code box carries, in
// either half of a two-box 郵便番号1/郵便番号2 widget.
var postalSplitTokens = []string{
	"zip", "zipcode", "zip_code", "zip-code", "zip1", "zip2", "zip_first", "zip_last",
	"postal", "postalcode", "postal_code", "post_code", "post-code", "postcode",
	"postcode1", "postcode2", "郵便", "郵便番号", "〒", "上3桁", "下4桁", "前3桁", "後4桁",
	"yubin", "yuubin", "yubinbango", "yuubinbango",
}

// nonfillableRequiredTokens mark a required input the rescue phase must
// never touch: the site can't be satisfied by typing a client value into it.
var nonfillableRequiredTokens = []string{
	"captcha", "image_auth", "image-auth", "spam-block", "token", "otp", "verification",
}

// emailConfirmRescueTokens identify a required input that exists purely to
// repeat an already-mapped email address.
var emailConfirmRescueTokens = []string{
	"email_confirm", "mail_confirm", "email_confirmation", "confirm_email", "confirm", "re_email", "re-mail",
}

var kanaContextTokens = []string{"ふりがな", "フリガナ", "カナ", "かな"}

// postProcess applies the mapping promotions of spec.md §4.1.1 step 6:
// dropping a unified field once its split counterpart is present, promoting
// 電話番号/郵便番号 to their numbered split forms when the DOM shows the
// split pattern instead of a single combined input, and finally rescuing
// any required input the scoring pass still left unmapped.
func (a *Analyzer) postProcess(ctx context.Context, buckets domport.ClassifiedBuckets, mapping []FieldMapping, used map[string]bool, required map[string]bool) []FieldMapping {
	hasField := func(name string) bool {
		for _, m := range mapping {
			if m.FieldName == name {
				return true
			}
		}
		return false
	}

	var out []FieldMapping
	for _, m := range mapping {
		if m.FieldName == "統合氏名" && hasField("姓") && hasField("名") {
			continue
		}
		if m.FieldName == "統合氏名カナ" && hasField("姓カナ") && hasField("名カナ") {
			continue
		}
		out = append(out, m)
	}

	out = promotePhoneTriplet(out)
	out = a.promotePostalSplit(ctx, buckets, used, required, out)
	out = append(out, a.requiredRescue(ctx, buckets, used, required, out)...)
	return out
}

// promotePhoneTriplet replaces a single 電話番号 mapping with 電話番号1/2/3
// when three distinct tel-like inputs carry a (?:tel|phone)[^\d]*[123]
// selector/name/id hint — the classic three-box Japanese phone widget.
func promotePhoneTriplet(mapping []FieldMapping) []FieldMapping {
	triplet := map[string]FieldMapping{}
	var rest []FieldMapping
	for _, m := range mapping {
		matches := phoneTripletPattern.FindStringSubmatch(m.Selector)
		if m.FieldName == "電話番号" && len(matches) == 2 {
			triplet[matches[1]] = m
			continue
		}
		rest = append(rest, m)
	}
	if len(triplet) == 3 {
		for _, idx := range []string{"1", "2", "3"} {
			m := triplet[idx]
			m.FieldName = "電話番号" + idx
			rest = append(rest, m)
		}
		return rest
	}
	// triplet incomplete: put back whatever partial matches we pulled out
	for _, m := range triplet {
		rest = append(rest, m)
	}
	return rest
}

// promotePostalSplit looks for two zip/postal-token inputs, mapped or not,
// within index-distance <=2 of each other in document order, at least one
// of them required, and replaces any unified 郵便番号 mapping pointing at
// either of them with 郵便番号1/郵便番号2 — the two-box postal-code widget.
func (a *Analyzer) promotePostalSplit(ctx context.Context, buckets domport.ClassifiedBuckets, used map[string]bool, required map[string]bool, mapping []FieldMapping) []FieldMapping {
	type candidate struct {
		el       domport.Element
		attrs    domport.ElementAttrs
		required bool
		index    int
	}

	for _, m := range mapping {
		if m.FieldName == "郵便番号1" {
			for _, m2 := range mapping {
				if m2.FieldName == "郵便番号2" {
					return mapping // already split, nothing to do
				}
			}
		}
	}

	// Candidates are gathered over every zip-like input regardless of
	// whether the scoring pass already claimed it for something else: the
	// whole point of this promotion is to notice and override an existing
	// unified 郵便番号 mapping, not just fill gaps it left behind.
	var pool []domport.Element
	pool = append(pool, buckets.TextInputs...)
	pool = append(pool, buckets.TelInputs...)

	var postal []candidate
	for i, el := range pool {
		attrs, err := a.cachedAttrs(ctx, el)
		if err != nil {
			continue
		}
		blob := strings.ToLower(attrs.Name + " " + attrs.ID + " " + attrs.Class + " " + attrs.Placeholder + " " + attrs.LabelText)
		if !containsAnyOf(blob, postalSplitTokens) {
			continue
		}
		postal = append(postal, candidate{
			el:       el,
			attrs:    attrs,
			required: attrs.Required || attrs.AriaRequired || required[attrs.Name] || required[attrs.ID],
			index:    i,
		})
	}

	for i := 0; i+1 < len(postal); i++ {
		first, second := postal[i], postal[i+1]
		if second.index-first.index > 2 {
			continue
		}
		if !first.required && !second.required {
			continue
		}

		var out []FieldMapping
		for _, m := range mapping {
			if m.FieldName == "郵便番号" && (m.Selector == first.el.Selector() || m.Selector == second.el.Selector()) {
				continue
			}
			out = append(out, m)
		}
		out = append(out,
			FieldMapping{FieldName: "郵便番号1", Selector: first.el.Selector(), TagName: first.attrs.TagName, Type: first.attrs.Type},
			FieldMapping{FieldName: "郵便番号2", Selector: second.el.Selector(), TagName: second.attrs.TagName, Type: second.attrs.Type},
		)
		used[first.el.Selector()] = true
		used[second.el.Selector()] = true
		return out
	}
	return mapping
}

// requiredRescue implements the required-rescue phase: every still-unmapped
// visible required input gets a logical name inferred from its own
// attributes, unless it is one of the genuinely non-fillable control types
// (captcha, OTP, verification tokens, ...). A field name already claimed by
// an earlier mapping is only ever re-used for 住所 (multi-address inputs
// become 住所_補助1, 住所_補助2, ...); any other collision falls back to the
// generic auto_required_text_N slot instead of overwriting the existing
// mapping.
func (a *Analyzer) requiredRescue(ctx context.Context, buckets domport.ClassifiedBuckets, used map[string]bool, required map[string]bool, mapping []FieldMapping) []FieldMapping {
	claimed := map[string]bool{}
	for _, m := range mapping {
		claimed[m.FieldName] = true
	}

	var candidates []domport.Element
	candidates = append(candidates, buckets.TextInputs...)
	candidates = append(candidates, buckets.EmailInputs...)
	candidates = append(candidates, buckets.TelInputs...)
	candidates = append(candidates, buckets.URLInputs...)
	candidates = append(candidates, buckets.NumberInputs...)
	candidates = append(candidates, buckets.Textareas...)

	var rescued []FieldMapping
	textCounter, emailConfirmCounter, addressSuppCounter := 0, 0, 0

	for _, el := range candidates {
		if used[el.Selector()] {
			continue
		}
		attrs, err := a.cachedAttrs(ctx, el)
		if err != nil || !attrs.Visible {
			continue
		}
		isRequired := attrs.Required || attrs.AriaRequired || required[attrs.Name] || required[attrs.ID]
		if !isRequired {
			continue
		}

		blob := strings.ToLower(attrs.Name + " " + attrs.ID + " " + attrs.Class + " " + attrs.Placeholder + " " + attrs.LabelText + " " + attrs.ContextText)
		if containsAnyOf(blob, nonfillableRequiredTokens) {
			continue
		}

		name, isEmailConfirm := inferRequiredFieldName(attrs, blob)

		switch {
		case isEmailConfirm:
			emailConfirmCounter++
			name = fmt.Sprintf("auto_email_confirm_%d", emailConfirmCounter)
		case name == "":
			textCounter++
			name = fmt.Sprintf("auto_required_text_%d", textCounter)
		case claimed[name] && name == "住所":
			addressSuppCounter++
			name = fmt.Sprintf("住所_補助%d", addressSuppCounter)
		case claimed[name]:
			textCounter++
			name = fmt.Sprintf("auto_required_text_%d", textCounter)
		}

		claimed[name] = true
		used[el.Selector()] = true
		rescued = append(rescued, FieldMapping{
			FieldName: name,
			Selector:  el.Selector(),
			TagName:   attrs.TagName,
			Type:      attrs.Type,
		})
	}
	return rescued
}

// inferRequiredFieldName runs the required-rescue name cascade: type/tag
// hints first, then token matches against the same field vocabulary the
// scoring pass uses, then the split-aware personal-name fallback. The
// second return flags a field that should become an auto_email_confirm_N
// slot (copying the mapped email) rather than a plain text rescue.
func inferRequiredFieldName(attrs domport.ElementAttrs, blob string) (string, bool) {
	typ := strings.ToLower(attrs.Type)
	tag := strings.ToLower(attrs.TagName)

	switch {
	case typ == "email":
		return "メールアドレス", false
	case typ == "tel":
		return "電話番号", false
	case tag == "textarea":
		return "お問い合わせ本文", false
	}

	if containsAnyOf(blob, postalSplitTokens) {
		return "郵便番号", false
	}
	if containsAnyOf(blob, []string{"address", "住所", "所在地"}) {
		return "住所", false
	}
	if containsAnyOf(blob, []string{"mail", "email", "メール"}) {
		if containsAnyOf(blob, emailConfirmRescueTokens) {
			return "", true
		}
		return "メールアドレス", false
	}
	if containsAnyOf(blob, []string{"tel", "phone", "電話"}) {
		return "電話番号", false
	}
	if containsAnyOf(blob, emailConfirmRescueTokens) {
		return "", true
	}
	if containsAnyOf(blob, kanaContextTokens) {
		return "統合氏名カナ", false
	}
	if spec, ok := fields.ByName("姓"); ok && matchesAnyPattern(blob, spec.StrictPatterns) {
		return "姓", false
	}
	if spec, ok := fields.ByName("名"); ok && matchesAnyPattern(blob, spec.StrictPatterns) {
		return "名", false
	}
	return "", false
}

func matchesAnyPattern(blob string, patterns []string) bool {
	for _, p := range patterns {
		if fields.ContainsTokenWithBoundary(blob, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
