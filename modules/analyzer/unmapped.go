package analyzer

import (
	"context"
	"strings"

	"github.com/andreypavlenko/formsender/modules/analyzer/domport"
)

var priorityKeywords = []string{"その他", "other", "該当なし"}
var consentKeywords = []string{"同意", "agree", "承諾"}
var salesIntentKeywords = []string{"営業", "提案", "メール"}

var emailConfirmTokens = []string{
	"email_confirm", "mail_confirm", "mail2", "email2", "re_email", "re_mail",
	"email-confirm", "confirm-email", "確認用メール",
}

// handleUnmapped implements spec.md §4.1.1 step 7: checkboxes, radios, and
// selects the mapping stage left untouched get a plan (not a value yet) —
// group them by name, decide whether the group is actionable, then pick one
// member. Email-confirmation inputs are detected by token set and planned
// as a copy from the already-mapped メールアドレス field.
func (a *Analyzer) handleUnmapped(ctx context.Context, buckets domport.ClassifiedBuckets, used map[string]bool, required map[string]bool, client ClientData) ([]AutoHandledElement, error) {
	var planned []AutoHandledElement

	planned = append(planned, a.handleGroups(ctx, buckets.Checkboxes, used, required, client, "checkbox")...)
	planned = append(planned, a.handleGroups(ctx, buckets.Radios, used, required, client, "radio")...)
	planned = append(planned, a.handleSelects(ctx, buckets.Selects, used, required, client)...)
	planned = append(planned, a.handleEmailConfirm(ctx, buckets, used)...)

	return planned, nil
}

type groupedElements struct {
	name     string
	elements []domport.Element
}

func (a *Analyzer) groupByName(ctx context.Context, elements []domport.Element, used map[string]bool) []groupedElements {
	order := []string{}
	groups := map[string][]domport.Element{}
	for _, el := range elements {
		if used[el.Selector()] {
			continue
		}
		attrs, err := a.cachedAttrs(ctx, el)
		if err != nil || attrs.Name == "" {
			continue
		}
		if _, ok := groups[attrs.Name]; !ok {
			order = append(order, attrs.Name)
		}
		groups[attrs.Name] = append(groups[attrs.Name], el)
	}
	out := make([]groupedElements, 0, len(order))
	for _, name := range order {
		out = append(out, groupedElements{name: name, elements: groups[name]})
	}
	return out
}

func (a *Analyzer) handleGroups(ctx context.Context, elements []domport.Element, used map[string]bool, required map[string]bool, client ClientData, kind string) []AutoHandledElement {
	var planned []AutoHandledElement

	for _, group := range a.groupByName(ctx, elements, used) {
		groupText, _ := a.page.GroupContainerText(ctx, group.name)
		groupRequired := required[group.name]
		actionable := groupRequired

		if !actionable && kind == "checkbox" {
			blob := strings.ToLower(groupText)
			hasPrivacy := strings.Contains(blob, "privacy") || strings.Contains(blob, "個人情報") || strings.Contains(blob, "プライバシー")
			hasAgree := containsAnyOf(blob, consentKeywords)
			actionable = hasPrivacy && hasAgree
		}
		if !actionable {
			continue
		}

		chosen := a.chooseGroupMember(ctx, group, groupText, kind, client)
		if chosen == nil {
			continue
		}
		planned = append(planned, AutoHandledElement{
			Selector: chosen.Selector(),
			Kind:     kind,
			Action:   "check",
			Reason:   "required-or-consent-group",
		})
	}
	return planned
}

func (a *Analyzer) chooseGroupMember(ctx context.Context, group groupedElements, groupText, kind string, client ClientData) domport.Element {
	lowerName := strings.ToLower(group.name)

	if kind == "radio" && containsAnyOf(lowerName, []string{"性別", "gender", "sex"}) {
		if el := a.pickByGender(ctx, group.elements, client.Gender); el != nil {
			return el
		}
	}

	if containsAnyOf(strings.ToLower(groupText), consentKeywords) {
		if el := a.pickByKeyword(ctx, group.elements, consentKeywords); el != nil {
			return el
		}
	}

	if containsAnyOf(strings.ToLower(groupText), salesIntentKeywords) {
		if el := a.pickByKeyword(ctx, group.elements, priorityKeywords); el != nil {
			return el
		}
	}

	if el := a.pickByKeyword(ctx, group.elements, priorityKeywords); el != nil {
		return el
	}
	if len(group.elements) > 0 {
		return group.elements[0]
	}
	return nil
}

func (a *Analyzer) pickByGender(ctx context.Context, elements []domport.Element, gender string) domport.Element {
	if gender == "" {
		return nil
	}
	genderTokens := map[string][]string{
		"male":   {"male", "男性", "男"},
		"female": {"female", "女性", "女"},
		"other":  {"other", "その他", "回答しない"},
	}
	tokens := genderTokens[gender]
	for _, el := range elements {
		attrs, err := a.cachedAttrs(ctx, el)
		if err != nil {
			continue
		}
		blob := strings.ToLower(attrs.Value + " " + attrs.LabelText + " " + attrs.ContextText)
		if containsAnyOf(blob, tokens) {
			return el
		}
	}
	return nil
}

func (a *Analyzer) pickByKeyword(ctx context.Context, elements []domport.Element, keywords []string) domport.Element {
	for _, el := range elements {
		attrs, err := a.cachedAttrs(ctx, el)
		if err != nil {
			continue
		}
		blob := strings.ToLower(attrs.Value + " " + attrs.LabelText + " " + attrs.ContextText)
		if containsAnyOf(blob, keywords) {
			return el
		}
	}
	return nil
}

func (a *Analyzer) handleSelects(ctx context.Context, selects []domport.Element, used map[string]bool, required map[string]bool, client ClientData) []AutoHandledElement {
	var planned []AutoHandledElement
	for _, el := range selects {
		if used[el.Selector()] {
			continue
		}
		attrs, err := a.cachedAttrs(ctx, el)
		if err != nil {
			continue
		}
		if !(attrs.Required || attrs.AriaRequired || required[attrs.Name] || required[attrs.ID]) {
			continue
		}

		options, err := a.page.SelectOptions(ctx, el)
		if err != nil || len(options) == 0 {
			continue
		}

		value := choosePrefectureOrGenderOrKeywordOption(options, client)
		if value == "" {
			continue
		}
		planned = append(planned, AutoHandledElement{
			Selector: el.Selector(),
			Kind:     "select",
			Action:   "select",
			Value:    value,
			Reason:   "required-select",
		})
	}
	return planned
}

var japanPrefectures = []string{
	"北海道", "青森県", "岩手県", "宮城県", "秋田県", "山形県", "福島県", "茨城県", "栃木県", "群馬県",
	"埼玉県", "千葉県", "東京都", "神奈川県", "新潟県", "富山県", "石川県", "福井県", "山梨県", "長野県",
	"岐阜県", "静岡県", "愛知県", "三重県", "滋賀県", "京都府", "大阪府", "兵庫県", "奈良県", "和歌山県",
	"鳥取県", "島根県", "岡山県", "広島県", "山口県", "徳島県", "香川県", "愛媛県", "高知県", "福岡県",
	"佐賀県", "長崎県", "熊本県", "大分県", "宮崎県", "鹿児島県", "沖縄県",
}

func choosePrefectureOrGenderOrKeywordOption(options []string, client ClientData) string {
	prefectureHits := 0
	for _, opt := range options {
		if containsAnyOf(opt, []string{"東京都", "大阪府"}) {
			prefectureHits++
		}
	}
	if prefectureHits >= 2 && client.Client["prefecture"] != "" {
		for _, opt := range options {
			if opt == client.Client["prefecture"] {
				return opt
			}
		}
	}
	if client.Gender != "" {
		for _, opt := range options {
			if containsAnyOf(strings.ToLower(opt), []string{client.Gender}) {
				return opt
			}
		}
	}
	for _, opt := range options {
		if containsAnyOf(strings.ToLower(opt), priorityKeywords) {
			return opt
		}
	}
	for i := len(options) - 1; i >= 0; i-- {
		if !isDummyOption(options[i]) {
			return options[i]
		}
	}
	return ""
}

func isDummyOption(opt string) bool {
	normalized := strings.ToLower(strings.TrimSpace(opt))
	if normalized == "" {
		return true
	}
	for _, dummy := range []string{"選択", "choose", "select", "--"} {
		if strings.Contains(normalized, dummy) {
			return true
		}
	}
	return false
}

func (a *Analyzer) handleEmailConfirm(ctx context.Context, buckets domport.ClassifiedBuckets, used map[string]bool) []AutoHandledElement {
	var planned []AutoHandledElement
	candidates := append(append([]domport.Element{}, buckets.EmailInputs...), buckets.TextInputs...)
	for _, el := range candidates {
		if used[el.Selector()] {
			continue
		}
		attrs, err := a.cachedAttrs(ctx, el)
		if err != nil {
			continue
		}
		blob := strings.ToLower(attrs.Name + " " + attrs.ID + " " + attrs.Class + " " + attrs.LabelText)
		if containsAnyOf(blob, emailConfirmTokens) {
			planned = append(planned, AutoHandledElement{
				Selector: el.Selector(),
				Kind:     "email_confirm",
				Action:   "copy_from",
				CopyFrom: "メールアドレス",
				Reason:   "email-confirmation-token",
			})
		}
	}
	return planned
}

func containsAnyOf(blob string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(blob, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
