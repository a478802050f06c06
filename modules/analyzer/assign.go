package analyzer

import (
	"strconv"
	"strings"
)

// assignValues materializes input_assignments for every mapped and
// auto-handled element, then enforces canonical client values for the core
// name fields regardless of how they were scored — spec.md §4.1.1 step 8.
func (a *Analyzer) assignValues(mapping []FieldMapping, autoHandled []AutoHandledElement, client ClientData) []InputAssignment {
	var assignments []InputAssignment

	addressIsSplit := false
	for _, m := range mapping {
		if strings.HasPrefix(m.FieldName, "住所_補助") {
			addressIsSplit = true
			break
		}
	}

	for _, m := range mapping {
		value := valueForField(m.FieldName, client, addressIsSplit)
		if value == "" {
			continue
		}
		assignments = append(assignments, InputAssignment{
			Selector:  m.Selector,
			FieldName: m.FieldName,
			Value:     value,
		})
	}

	for _, h := range autoHandled {
		switch h.Action {
		case "copy_from":
			for _, asn := range assignments {
				if asn.FieldName == h.CopyFrom {
					assignments = append(assignments, InputAssignment{
						Selector:  h.Selector,
						FieldName: h.Kind,
						Value:     asn.Value,
					})
					break
				}
			}
		case "select", "check":
			assignments = append(assignments, InputAssignment{
				Selector:  h.Selector,
				FieldName: h.Kind,
				Value:     h.Value,
			})
		}
	}

	return enforceCanonicalNameValues(assignments, client)
}

// splitFieldSuffix recognizes the numbered split forms postProcess
// promotes a unified field into: 電話番号1/2/3 (phone_1/2/3) and
// 郵便番号1/2 (postal_code_1/2) each index straight onto their client-data
// counterpart.
var splitFieldSuffix = map[string]struct {
	prefix string
	index  string
}{
	"電話番号1": {"phone", "1"}, "電話番号2": {"phone", "2"}, "電話番号3": {"phone", "3"},
	"郵便番号1": {"postal_code", "1"}, "郵便番号2": {"postal_code", "2"},
}

func valueForField(fieldName string, client ClientData, addressIsSplit bool) string {
	if strings.HasPrefix(fieldName, "auto_required_text_") {
		return "　"
	}
	if strings.HasPrefix(fieldName, "auto_email_confirm_") {
		return client.Client["email"]
	}
	if split, ok := splitFieldSuffix[fieldName]; ok {
		return indexedClientValue(client, split.prefix, split.index)
	}
	if n, ok := addressSupplementIndex(fieldName); ok {
		// 住所_補助N reads the (n+1)th address part: 住所 itself always
		// claims address_1, so the first supplemental slot is address_2.
		return indexedClientValue(client, "address", strconv.Itoa(n+1))
	}
	if fieldName == "住所" && addressIsSplit {
		// Multi-address forms: each 住所_補助N already owns its own
		// address_N part, so the base box takes only address_1 instead of
		// concatenating parts the supplements are also going to fill.
		return indexedClientValue(client, "address", "1")
	}

	switch fieldName {
	case "お問い合わせ本文":
		return client.Targeting["message"]
	case "件名":
		return client.Targeting["subject"]
	case "メールアドレス":
		return client.Client["email"]
	case "電話番号":
		return combinedClientValue(client, "phone", 1, 3)
	case "姓":
		return client.Client["last_name"]
	case "名":
		return client.Client["first_name"]
	case "統合氏名":
		return strings.TrimSpace(client.Client["last_name"] + " " + client.Client["first_name"])
	case "姓カナ":
		return client.Client["last_name_kana"]
	case "名カナ":
		return client.Client["first_name_kana"]
	case "統合氏名カナ":
		return strings.TrimSpace(client.Client["last_name_kana"] + " " + client.Client["first_name_kana"])
	case "姓ひらがな":
		return client.Client["last_name_hiragana"]
	case "名ひらがな":
		return client.Client["first_name_hiragana"]
	case "郵便番号":
		return combinedClientValue(client, "postal_code", 1, 2)
	case "都道府県":
		return client.Client["prefecture"]
	case "住所":
		return combinedClientValue(client, "address", 1, 5)
	case "会社名":
		return client.Client["company"]
	case "部署":
		return client.Client["department"]
	}
	return ""
}

// addressSupplementIndex parses the trailing digits of a 住所_補助N field
// produced by the required-rescue multi-address handling.
func addressSupplementIndex(fieldName string) (int, bool) {
	const prefix = "住所_補助"
	if !strings.HasPrefix(fieldName, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(fieldName, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// combinedClientValue concatenates the indexed client-data parts
// (ground-truth keys like phone_1/phone_2/phone_3) for a logical field that
// was mapped as a single unsplit input, matching the original analyzer's
// client-data contract: a plain 電話番号 input receives every phone part
// concatenated, not just the first. Falls back to the flat key when no
// indexed part is present, for callers that never split their client data.
func combinedClientValue(client ClientData, prefix string, from, to int) string {
	var sb strings.Builder
	found := false
	for i := from; i <= to; i++ {
		if v := client.Client[prefix+"_"+strconv.Itoa(i)]; v != "" {
			sb.WriteString(v)
			found = true
		}
	}
	if found {
		return sb.String()
	}
	return client.Client[prefix]
}

// indexedClientValue reads one numbered client-data part for a field the
// DOM itself split into boxes, falling back to the flat key for index 1.
func indexedClientValue(client ClientData, prefix, index string) string {
	if v := client.Client[prefix+"_"+index]; v != "" {
		return v
	}
	if index == "1" {
		return client.Client[prefix]
	}
	return ""
}

// enforceCanonicalNameValues corrects common sei/mei cross-wiring by
// inspecting selectors (swap values if 姓's selector looks like a given-name
// selector and vice versa), then forces the canonical client value for the
// four core name fields regardless of what was generated above.
func enforceCanonicalNameValues(assignments []InputAssignment, client ClientData) []InputAssignment {
	seiIdx, meiIdx := -1, -1
	for i, a := range assignments {
		switch a.FieldName {
		case "姓":
			seiIdx = i
		case "名":
			meiIdx = i
		}
	}
	if seiIdx >= 0 && meiIdx >= 0 {
		seiSel := strings.ToLower(assignments[seiIdx].Selector)
		meiSel := strings.ToLower(assignments[meiIdx].Selector)
		seiLooksLikeGiven := strings.Contains(seiSel, "mei") || strings.Contains(seiSel, "first") || strings.Contains(seiSel, "given")
		meiLooksLikeFamily := strings.Contains(meiSel, "sei") || strings.Contains(meiSel, "last") || strings.Contains(meiSel, "family")
		if seiLooksLikeGiven && meiLooksLikeFamily {
			assignments[seiIdx], assignments[meiIdx] = assignments[meiIdx], assignments[seiIdx]
			assignments[seiIdx].FieldName, assignments[meiIdx].FieldName = "姓", "名"
		}
	}

	for i, a := range assignments {
		switch a.FieldName {
		case "姓":
			assignments[i].Value = client.Client["last_name"]
		case "名":
			assignments[i].Value = client.Client["first_name"]
		case "姓カナ":
			assignments[i].Value = client.Client["last_name_kana"]
		case "名カナ":
			assignments[i].Value = client.Client["first_name_kana"]
		}
	}
	return assignments
}
