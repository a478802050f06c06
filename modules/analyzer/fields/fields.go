// Package fields holds the logical-field pattern table the analyzer scores
// DOM elements against, plus the CJK-aware token boundary helper they share.
// Fields are tagged data, not subclasses: adding a field means adding a row,
// never a new type.
package fields

import "sort"

// Spec describes one logical field's matching rules.
type Spec struct {
	Name string

	// BucketTypes lists which classified element buckets are eligible
	// ("text_inputs", "email_inputs", "tel_inputs", "textareas", "selects",
	// ...). A field whose BucketTypes includes "textareas" is message-like;
	// textarea candidates are otherwise never considered.
	BucketTypes []string

	// StrictPatterns score highly when found in name/id/class/label.
	StrictPatterns []string
	// WeakPatterns score modestly.
	WeakPatterns []string
	// ExcludePatterns veto a candidate outright when matched.
	ExcludePatterns []string

	Weight int

	// Core fields participate in the required-match/core-field mapping
	// branch; non-core (optional) fields only map above a dynamic quality
	// threshold.
	Core bool
	// Essential fields are the fixed set treat_all_as_required may widen
	// mapping to, and the set whose presence the validator enforces.
	Essential bool

	// RequiredBoost is added exactly once when the candidate element is
	// itself detected as required. Phone gets a much larger boost because
	// phone numbers are frequently optional-looking but high-value.
	RequiredBoost int
}

// OptionalHighPriority fields may be mapped without a required match once
// they clear the dynamic quality threshold — non-essential but broadly safe
// to fill (subject line, phone, address).
var OptionalHighPriority = map[string]bool{
	"件名":   true,
	"電話番号": true,
	"住所":   true,
}

// PerFieldThreshold overrides the base min-score threshold for fields where
// a required-match alone is not considered safe enough to map.
var PerFieldThreshold = map[string]float64{
	"姓": 70,
	"名": 70,
}

// Table is every logical field the mapper scores candidates against, in
// registration order; use SortedByWeight for the mapping pass order.
var Table = []Spec{
	{
		Name:            "メールアドレス",
		BucketTypes:     []string{"email_inputs", "text_inputs"},
		StrictPatterns:  []string{"email", "e-mail", "mail", "メール", "メールアドレス"},
		WeakPatterns:    []string{"address"},
		ExcludePatterns: []string{"confirm", "確認", "re_mail", "re-mail"},
		Weight:          100,
		Core:            true,
		Essential:       true,
		RequiredBoost:   40,
	},
	{
		Name:            "電話番号",
		BucketTypes:     []string{"tel_inputs", "text_inputs"},
		StrictPatterns:  []string{"tel", "phone", "電話", "電話番号"},
		WeakPatterns:    []string{"fax"},
		ExcludePatterns: []string{"time", "hour", "営業時間"},
		Weight:          95,
		Core:            false,
		Essential:       false,
		RequiredBoost:   200,
	},
	{
		Name:            "お問い合わせ本文",
		BucketTypes:     []string{"textareas", "text_inputs"},
		StrictPatterns:  []string{"message", "inquiry", "content", "body", "お問い合わせ内容", "本文", "内容", "ご要望"},
		WeakPatterns:    []string{"comment", "detail"},
		ExcludePatterns: []string{},
		Weight:          90,
		Core:            true,
		Essential:       true,
		RequiredBoost:   40,
	},
	{
		Name:            "姓",
		BucketTypes:     []string{"text_inputs"},
		StrictPatterns:  []string{"last_name", "lastname", "family_name", "sei", "姓"},
		WeakPatterns:    []string{"name2"},
		ExcludePatterns: []string{"住所", "マンション名", "ふりがな", "部署", "kana", "カナ"},
		Weight:          85,
		Core:            true,
		Essential:       true,
		RequiredBoost:   40,
	},
	{
		Name:            "名",
		BucketTypes:     []string{"text_inputs"},
		StrictPatterns:  []string{"first_name", "firstname", "given_name", "mei", "名"},
		WeakPatterns:    []string{"name1"},
		ExcludePatterns: []string{"住所", "マンション名", "ふりがな", "部署", "kana", "カナ"},
		Weight:          84,
		Core:            true,
		Essential:       true,
		RequiredBoost:   40,
	},
	{
		Name:            "統合氏名",
		BucketTypes:     []string{"text_inputs"},
		StrictPatterns:  []string{"name", "fullname", "full_name", "氏名", "お名前"},
		WeakPatterns:    []string{},
		ExcludePatterns: []string{"company", "会社", "kana", "カナ"},
		Weight:          83,
		Core:            true,
		Essential:       true,
		RequiredBoost:   40,
	},
	{
		Name:            "姓カナ",
		BucketTypes:     []string{"text_inputs"},
		StrictPatterns:  []string{"sei_kana", "last_kana", "セイ", "姓カナ", "フリガナ"},
		WeakPatterns:    []string{"kana"},
		ExcludePatterns: []string{"ひらがな", "hiragana"},
		Weight:          70,
		Core:            false,
	},
	{
		Name:            "名カナ",
		BucketTypes:     []string{"text_inputs"},
		StrictPatterns:  []string{"mei_kana", "first_kana", "メイ", "名カナ", "フリガナ"},
		WeakPatterns:    []string{"kana"},
		ExcludePatterns: []string{"ひらがな", "hiragana"},
		Weight:          69,
		Core:            false,
	},
	{
		Name:            "統合氏名カナ",
		BucketTypes:     []string{"text_inputs"},
		StrictPatterns:  []string{"name_kana", "fullname_kana", "フリガナ", "カナ"},
		WeakPatterns:    []string{},
		ExcludePatterns: []string{"ひらがな", "hiragana"},
		Weight:          68,
		Core:            false,
	},
	{
		Name:            "姓ひらがな",
		BucketTypes:     []string{"text_inputs"},
		StrictPatterns:  []string{"sei_hiragana", "last_hiragana", "せい", "姓ひらがな", "ふりがな"},
		WeakPatterns:    []string{"hiragana"},
		ExcludePatterns: []string{"カナ", "kana"},
		Weight:          67,
		Core:            false,
	},
	{
		Name:            "名ひらがな",
		BucketTypes:     []string{"text_inputs"},
		StrictPatterns:  []string{"mei_hiragana", "first_hiragana", "めい", "名ひらがな", "ふりがな"},
		WeakPatterns:    []string{"hiragana"},
		ExcludePatterns: []string{"カナ", "kana"},
		Weight:          66,
		Core:            false,
	},
	{
		Name:            "郵便番号",
		BucketTypes:     []string{"text_inputs", "tel_inputs"},
		StrictPatterns:  []string{"zip", "postal", "郵便番号", "〒"},
		WeakPatterns:    []string{"zipcode"},
		ExcludePatterns: []string{"captcha", "confirm", "確認"},
		Weight:          75,
		Core:            false,
	},
	{
		Name:            "都道府県",
		BucketTypes:     []string{"selects", "text_inputs"},
		StrictPatterns:  []string{"prefecture", "pref", "都道府県"},
		WeakPatterns:    []string{"state"},
		ExcludePatterns: []string{},
		Weight:          72,
		Core:            false,
	},
	{
		Name:            "住所",
		BucketTypes:     []string{"text_inputs"},
		StrictPatterns:  []string{"address", "住所", "所在地"},
		WeakPatterns:    []string{"addr"},
		ExcludePatterns: []string{"mail", "メール"},
		Weight:          80,
		Core:            false,
	},
	{
		Name:            "件名",
		BucketTypes:     []string{"text_inputs"},
		StrictPatterns:  []string{"subject", "title", "件名", "題名"},
		WeakPatterns:    []string{},
		ExcludePatterns: []string{},
		Weight:          78,
		Core:            false,
	},
	{
		Name:            "会社名",
		BucketTypes:     []string{"text_inputs"},
		StrictPatterns:  []string{"company", "corp", "会社名", "法人名", "貴社名"},
		WeakPatterns:    []string{"organization"},
		ExcludePatterns: []string{},
		Weight:          76,
		Core:            false,
	},
	{
		Name:            "部署",
		BucketTypes:     []string{"text_inputs"},
		StrictPatterns:  []string{"department", "division", "部署", "所属"},
		WeakPatterns:    []string{},
		ExcludePatterns: []string{},
		Weight:          60,
		Core:            false,
	},
}

// SortedByWeight returns Table ordered by descending Weight, the mapping
// priority order.
func SortedByWeight() []Spec {
	out := make([]Spec, len(Table))
	copy(out, Table)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	return out
}

// ByName looks up a field's spec, used by the post-processing promotions
// and unmapped-element fallbacks to synthesize a new logical field entry.
func ByName(name string) (Spec, bool) {
	for _, s := range Table {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}
