// Package prohibition detects sales-prohibition text ("営業お断り" and its
// variants) in raw form-page HTML, independent of the form-field mapping
// pipeline. It runs ahead of worker dispatch, against HTML fetched over
// plain HTTP, so a prohibited page never reaches a browser worker at all.
package prohibition

import (
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Category names mirror the three pattern tiers of the reference detector.
const (
	CategoryDirect      = "direct"
	CategoryIndirect    = "indirect"
	CategoryConditional = "conditional"
)

var patternsByCategory = map[string][]string{
	CategoryDirect: {
		"営業のお電話はお断り", "営業電話お断り", "営業電話はお断り",
		"営業メールお断り", "営業活動はお断り", "営業目的でのご連絡はお断り",
		"営業・勧誘はお断り", "勧誘のお電話はお断り", "勧誘電話お断り",
		"売り込み電話お断り", "売り込みはお断り", "セールス電話お断り",
		"テレアポお断り", "営業お断り", "勧誘お断り",
	},
	CategoryIndirect: {
		"商品・サービスの売り込み", "商品の売り込み", "サービスの売り込み",
		"宣伝目的での", "広告目的での", "PR目的での",
		"商品のご紹介", "サービスのご紹介", "商材の紹介",
		"ご提案のお電話", "セールスのお電話", "営業のご連絡",
	},
	CategoryConditional: {
		"お客様以外からのお問い合わせはご遠慮", "関係者以外のお問い合わせ",
		"同業者からのお問い合わせ", "競合他社からのお問い合わせ",
		"イタズラ目的でのお問い合わせ", "いたずら目的でのお問い合わせ",
	},
}

var categoryWeight = map[string]float64{
	CategoryDirect:      0.9,
	CategoryIndirect:    0.7,
	CategoryConditional: 0.6,
}

var elementWeight = map[atom.Atom]float64{
	atom.Form:   1.0,
	atom.P:      0.9,
	atom.Small:  0.9,
	atom.Div:    0.8,
	atom.Em:     0.8,
	atom.Strong: 0.8,
	atom.Span:   0.7,
}

var boostKeywords = []string{"お問い合わせ", "注意", "注意事項", "ご注意", "禁止", "お断り"}

var searchTags = []atom.Atom{
	atom.Body, atom.Main, atom.Div, atom.P, atom.Span, atom.Section, atom.Article,
	atom.Form, atom.Fieldset, atom.Legend, atom.Label, atom.Small, atom.Em, atom.Strong,
}

const (
	maxElementsPerTag = 50
	maxTextLength     = 500
	minMatchLength    = 5
	confidenceFloor   = 0.6
)

// Match is one confirmed prohibition-pattern hit.
type Match struct {
	Text       string
	Category   string
	Confidence float64
	Context    string
}

// Result is the full detection verdict for one page.
type Result struct {
	Detected   bool
	Matches    []Match
	Severity   string // "strict" | "moderate" | "mild" | "weak" | "none"
	MaxConf    float64
	DirectHits int
}

// Detect parses rawHTML and evaluates it against the prohibition pattern
// tiers. It never errors: malformed HTML degrades to fewer matches, not a
// failure, since this runs ahead of every dispatch and must stay cheap.
func Detect(rawHTML string) Result {
	texts := collectText(rawHTML)
	matches := matchPatterns(texts)
	return evaluate(matches)
}

type taggedText struct {
	text string
	tag  atom.Atom
}

func collectText(rawHTML string) []taggedText {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	counts := map[atom.Atom]int{}
	var out []taggedText

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if isSearchTag(n.DataAtom) && counts[n.DataAtom] < maxElementsPerTag {
				text := strings.TrimSpace(collectInnerText(n))
				if len([]rune(text)) >= minMatchLength {
					if len([]rune(text)) > maxTextLength {
						text = string([]rune(text)[:maxTextLength])
					}
					out = append(out, taggedText{text: text, tag: n.DataAtom})
					counts[n.DataAtom]++
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func isSearchTag(a atom.Atom) bool {
	for _, t := range searchTags {
		if t == a {
			return true
		}
	}
	return false
}

func collectInnerText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func matchPatterns(texts []taggedText) []Match {
	var matches []Match
	for _, tt := range texts {
		lower := strings.ToLower(tt.text)
		for category, patterns := range patternsByCategory {
			for _, pattern := range patterns {
				idx := strings.Index(lower, strings.ToLower(pattern))
				if idx < 0 {
					continue
				}
				confidence := matchConfidence(pattern, lower, tt.tag, category)
				if confidence < confidenceFloor {
					continue
				}
				start := idx - 50
				if start < 0 {
					start = 0
				}
				end := idx + len(pattern) + 50
				if end > len(tt.text) {
					end = len(tt.text)
				}
				matches = append(matches, Match{
					Text:       pattern,
					Category:   category,
					Confidence: confidence,
					Context:    tt.text[start:end],
				})
			}
		}
	}
	return dedupe(matches)
}

func matchConfidence(pattern, lowerText string, tag atom.Atom, category string) float64 {
	base := categoryWeight[category]
	if base == 0 {
		base = 0.5
	}
	weight, ok := elementWeight[tag]
	if !ok {
		weight = 0.6
	}
	boost := 0.0
	for _, kw := range boostKeywords {
		if strings.Contains(lowerText, kw) {
			boost += 0.1
		}
	}
	confidence := base*weight + boost
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

func dedupe(matches []Match) []Match {
	seen := map[string]bool{}
	var out []Match
	for _, m := range matches {
		key := strings.ReplaceAll(strings.ReplaceAll(strings.ToLower(m.Text), " ", ""), "　", "")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

func evaluate(matches []Match) Result {
	if len(matches) == 0 {
		return Result{Severity: "none"}
	}

	maxConf := 0.0
	directHits := 0
	for _, m := range matches {
		if m.Confidence > maxConf {
			maxConf = m.Confidence
		}
		if m.Category == CategoryDirect {
			directHits++
		}
	}

	severity := "weak"
	switch {
	case directHits >= 2 || maxConf >= 0.9:
		severity = "strict"
	case directHits >= 1 || maxConf >= 0.8:
		severity = "moderate"
	case len(matches) >= 2 || maxConf >= 0.7:
		severity = "mild"
	}

	return Result{
		Detected:   true,
		Matches:    matches,
		Severity:   severity,
		MaxConf:    maxConf,
		DirectHits: directHits,
	}
}
