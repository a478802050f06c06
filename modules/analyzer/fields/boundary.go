package fields

import (
	"regexp"
	"strings"
	"sync"
)

var (
	asciiBoundaryCache   = map[string]*regexp.Regexp{}
	asciiBoundaryCacheMu sync.Mutex
)

// singleCharGuard narrows a single-CJK-character token: it matches text only
// when none of deny appears, or when one of allow also appears alongside
// (a denylisted compound can co-occur with a genuine personal-name compound
// on the same label, e.g. "ご担当者氏名（マンション名含む）").
type singleCharGuard struct {
	allow []string
	deny  []string
}

var singleCharGuards = map[string]singleCharGuard{
	"名": {
		allow: []string{"氏名", "姓名", "お名前", "ご芳名", "名前"},
		deny:  []string{"マンション名", "商品名", "ファイル名", "品名", "建物名", "ブランド名"},
	},
	"姓": {
		allow: []string{"姓名", "姓", "お姓"},
		deny:  []string{},
	},
}

// ContainsTokenWithBoundary reports whether token appears in text as a
// meaningful unit: ASCII tokens require a word boundary on both sides; CJK
// tokens of two or more characters match as a plain substring (compounds
// like 氏名 legitimately match inside ご担当者氏名); single-character CJK
// tokens additionally consult singleCharGuards to reject matches inside
// common non-personal compounds (名 must not match マンション名).
func ContainsTokenWithBoundary(text, token string) bool {
	if token == "" || text == "" {
		return false
	}
	if isASCII(token) {
		re := asciiBoundaryPattern(token)
		return re.MatchString(text)
	}

	runes := []rune(token)
	if !strings.Contains(text, token) {
		return false
	}
	if len(runes) >= 2 {
		return true
	}

	guard, ok := singleCharGuards[token]
	if !ok {
		return true
	}
	for _, bad := range guard.deny {
		if strings.Contains(text, bad) {
			for _, good := range guard.allow {
				if strings.Contains(text, good) {
					return true
				}
			}
			return false
		}
	}
	return true
}

func asciiBoundaryPattern(token string) *regexp.Regexp {
	asciiBoundaryCacheMu.Lock()
	defer asciiBoundaryCacheMu.Unlock()
	if re, ok := asciiBoundaryCache[token]; ok {
		return re
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(token) + `\b`)
	asciiBoundaryCache[token] = re
	return re
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}
