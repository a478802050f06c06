// Package errorclass classifies form-submission failures into a stable
// taxonomy so the orchestrator can decide whether a failure is recoverable
// (retry the candidate) or structural (leave it for a human to fix the
// instruction set). It is pure: no I/O, deterministic given its inputs.
package errorclass

import (
	"regexp"
	"strings"
)

// Type is one of the stable error-taxonomy buckets.
type Type string

const (
	TypeBotDetected               Type = "BOT_DETECTED"
	TypeTimeout                   Type = "TIMEOUT"
	TypeExternalAccess            Type = "ACCESS"
	TypeInstruction               Type = "INSTRUCTION"
	TypeSubmitButtonNotFound      Type = "SUBMIT_BUTTON_NOT_FOUND"
	TypeSubmitButtonSelectorMissing Type = "SUBMIT_BUTTON_SELECTOR_MISSING"
	TypeSubmitButtonError         Type = "SUBMIT_BUTTON_ERROR"
	TypeSuccessDeterminationFailed Type = "SUCCESS_DETERMINATION_FAILED"
	TypeFormValidationError       Type = "FORM_VALIDATION_ERROR"
	TypeContentAnalysisFailed     Type = "CONTENT_ANALYSIS_FAILED"
	TypeElementNotFound           Type = "ELEMENT_NOT_FOUND"
	TypeElementNotInteractable    Type = "ELEMENT_NOT_INTERACTABLE"
	TypeInputTypeMismatch         Type = "INPUT_TYPE_MISMATCH"
	TypeElementExternal           Type = "ELEMENT_EXTERNAL"
	TypeInputExternal             Type = "INPUT_EXTERNAL"
	TypeSubmit                    Type = "SUBMIT"
	TypeSystem                    Type = "SYSTEM"
	TypeMapping                   Type = "MAPPING"
	TypeValidationFormat          Type = "VALIDATION_FORMAT"
	TypeCSRFError                 Type = "CSRF_ERROR"
	TypeDuplicateSubmission       Type = "DUPLICATE_SUBMISSION"
	TypeRateLimit                 Type = "RATE_LIMIT"
	TypeWAFChallenge              Type = "WAF_CHALLENGE"
	TypeDNSError                  Type = "DNS_ERROR"
	TypeTLSError                  Type = "TLS_ERROR"
)

type patternRule struct {
	patterns []*regexp.Regexp
	result   Type
}

// orderedRules is evaluated top to bottom; the first matching rule wins.
var orderedRules = []patternRule{
	{result: "EXTERNAL", patterns: compileAll(
		`network[\s\w]*timeout`,
		`server[\s\w]*error`,
		`connection[\s\w]*refused`,
		`site[\s\w]*maintenance`,
		`cloudflare[\s\w]*protection`,
		`access[\s\w]*denied`,
		`page\s+load[\s\w]*timeout`,
	)},
	{result: TypeInstruction, patterns: compileAll(
		`instruction_json[\s\w]*invalid`,
		`json[\s\w]*decode[\s\w]*error`,
		`placeholder[\s\w]*not[\s\w]*found`,
		`missing[\s\w]*instruction`,
		`invalid[\s\w]*json`,
	)},
	{result: "SUBMIT_BUTTON", patterns: compileAll(
		`submit\s*button[\s\w]*not\s*found`,
		`no\s*submit\s*button[\s\w]*selector`,
		`submit[\s\w]*selector[\s\w]*not[\s\w]*provided`,
		`button[\s\w]*type[\s\w]*submit[\s\w]*not[\s\w]*found`,
	)},
	{result: TypeSuccessDeterminationFailed, patterns: compileAll(
		`cannot\s*determine\s*success`,
		`no[\s\w]*success[\s\w]*indicators`,
		`success[\s\w]*determination[\s\w]*failed`,
		`no[\s\w]*clear[\s\w]*success[\s\w]*error[\s\w]*indicators`,
	)},
	{result: "CONTENT_ANALYSIS", patterns: compileAll(
		`error[\s\w]*indicators[\s\w]*found[\s\w]*in[\s\w]*content`,
		`no[\s\w]*url[\s\w]*change[\s\w]*detected`,
		`content[\s\w]*analysis[\s\w]*failed`,
		`error[\s\w]*analyzing[\s\w]*page[\s\w]*content`,
	)},
	{result: TypeElementNotFound, patterns: compileAll(
		`element[\s\w]*not[\s\w]*found[\s\w]*for`,
		`selector[\s\w]*not[\s\w]*found`,
		`element[\s\w]*timeout`,
		`locator[\s\w]*not[\s\w]*found`,
	)},
	{result: TypeInputTypeMismatch, patterns: compileAll(
		`cannot\s*type[\s\w]*into\s*input[\s\w]*type`,
		`input[\s\w]*type[\s\w]*mismatch`,
		`cannot[\s\w]*fill[\s\w]*field[\s\w]*type`,
		`error[\s\w]*filling[\s\w]*field`,
	)},
	{result: TypeFormValidationError, patterns: compileAll(
		`validation[\s\w]*error`,
		`required[\s\w]*field[\s\w]*failed`,
		`form[\s\w]*validation[\s\w]*failed`,
		`invalid[\s\w]*input[\s\w]*value`,
	)},
}

var (
	botPattern             = regexp.MustCompile(`(?i)\b(?:recaptcha|cloudflare|bot)\b`)
	instructionKeyword     = regexp.MustCompile(`(?i)\b(?:parse|decode|invalid|missing)\b`)
	elementKeyword         = regexp.MustCompile(`(?i)\b(?:element|selector|locator)\b`)
	instructionJSONPattern = regexp.MustCompile(`(?i)\b(?:instruction|json)\b`)

	rateLimitPattern = regexp.MustCompile(`(?i)\b(?:throttled|rate[\s-]?limit(?:ed|ing)?|too\s+many\s+requests)\b`)
	wafChallengePattern = regexp.MustCompile(`(?i)\b(?:cloudflare|akamai|ddos\s*protection|just\s+a\s+moment|checking\s+your\s+browser|access\s+denied)\b`)
	dnsErrorPattern     = regexp.MustCompile(`(?i)\b(?:dns|err_name_not_resolved)\b`)
	tlsErrorPattern     = regexp.MustCompile(`(?i)\b(?:certificate_verify_failed|ssl\s*handshake|tls\s*handshake)\b`)
	notInteractablePattern = regexp.MustCompile(`(?i)\b(?:not\s+visible|zero\s+size|not\s+interactable|not\s+clickable|outside\s+(?:the\s+)?viewport)\b`)

	requiredTextPatterns = compileAll(
		`未入力`,
		`入力\s*してください`,
		`入力されていません`,
		`必須\s*項目`,
		`必須です`,
		`選択\s*してください`,
		`チェック\s*してください`,
		`空白|空欄`,
		`(?i)\bfield\s+is\s+required\b`,
		`(?i)\brequired\s+field\b`,
		`(?i)\bplease\s+(enter|select|fill)\b`,
		`(?i)\b(cannot\s+be\s+blank|must\s+not\s+be\s+empty)\b`,
	)
	formatTextPatterns = compileAll(
		`(?i)形式が正しくありません`,
		`(?i)正しく入力してください`,
		`(?i)invalid\s+format`,
		`(?i)invalid\s+(email|phone|url)`,
		`(?i)メール.*(形式|正しく|無効)`,
		`(?i)phone.*(invalid|format)`,
	)
	captchaTextPatterns = compileAll(
		`(?i)captcha`,
		`(?i)recaptcha`,
		`(?i)私はロボットではありません`,
	)
	csrfNearErrorPatterns = compileAll(
		`(?i)(csrf|xsrf|forgery|authenticity)[^\n<]{0,80}(invalid|mismatch|expired|missing|required|failed|error)`,
		`(csrf|ワンタイム(?:キー|トークン)|トークン)[^\n<]{0,80}(無効|不一致|期限|切れ|エラー)`,
	)
	duplicateTextPatterns = compileAll(
		`(?i)重複`,
		`(?i)既に(送信|登録)`,
		`(?i)duplicate`,
		`(?i)already\s+submitted`,
	)

	recoverableTypes = map[Type]bool{
		TypeTimeout: true, TypeExternalAccess: true, TypeElementExternal: true,
		TypeInputExternal: true, TypeSystem: true,
		TypeElementNotFound: true, TypeContentAnalysisFailed: true, TypeSubmitButtonNotFound: true,
		TypeRateLimit: true, TypeWAFChallenge: true, TypeDNSError: true, TypeTLSError: true,
		TypeElementNotInteractable: true,
	}
	nonRecoverableTypes = map[Type]bool{
		TypeInstruction: true, TypeSubmitButtonSelectorMissing: true,
		TypeSuccessDeterminationFailed: true, TypeInputTypeMismatch: true,
		TypeFormValidationError: true, TypeBotDetected: true,
		TypeMapping: true, TypeValidationFormat: true, TypeCSRFError: true, TypeDuplicateSubmission: true,
	}
	nonRecoverableMessagePatterns = []string{
		"instruction_valid", "placeholder", "json decode",
		"invalid selector", "malformed", "selector missing",
		"not provided", "type mismatch", "validation error",
	}
)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// Context is the set of signals classify_error_type needs from a form
// submission attempt. HTTPStatus is optional (0 means unknown) and only
// sharpens the rate-limit/WAF rules; every other rule works from
// ErrorMessage alone.
type Context struct {
	ErrorMessage  string
	HTTPStatus    int
	IsBotDetected bool
	IsTimeout     bool
}

// Classify implements classify_error_type: special cases first (rate limit,
// WAF challenge, bot, DNS/TLS, timeout, not-interactable), then the
// priority-ordered pattern rules, then the keyword-based fallback.
func Classify(ctx Context) Type {
	message := strings.ToLower(ctx.ErrorMessage)

	if ctx.HTTPStatus == 429 || rateLimitPattern.MatchString(message) {
		return TypeRateLimit
	}
	if wafChallengePattern.MatchString(message) && (ctx.HTTPStatus == 0 || ctx.HTTPStatus == 403 || ctx.HTTPStatus == 503) {
		return TypeWAFChallenge
	}
	if ctx.IsBotDetected || botPattern.MatchString(message) {
		return TypeBotDetected
	}
	if dnsErrorPattern.MatchString(message) {
		return TypeDNSError
	}
	if tlsErrorPattern.MatchString(message) {
		return TypeTLSError
	}
	if ctx.IsTimeout || strings.Contains(message, "timeout") {
		return TypeTimeout
	}
	if notInteractablePattern.MatchString(message) {
		return TypeElementNotInteractable
	}

	if raw, ok := classifyByPatterns(message); ok {
		return refinePatternResult(raw, message)
	}

	return classifyFallback(message)
}

func classifyByPatterns(message string) (Type, bool) {
	for _, rule := range orderedRules {
		for _, pattern := range rule.patterns {
			if pattern.MatchString(message) {
				return rule.result, true
			}
		}
	}
	return "", false
}

func refinePatternResult(raw Type, message string) Type {
	switch raw {
	case "EXTERNAL":
		if strings.Contains(message, "timeout") {
			return TypeTimeout
		}
		return TypeExternalAccess
	case "SUBMIT_BUTTON":
		return classifySubmitButtonError(message)
	case "CONTENT_ANALYSIS":
		return classifyContentAnalysisError(message)
	default:
		return raw
	}
}

func classifySubmitButtonError(message string) Type {
	if strings.Contains(message, "not found") || !strings.Contains(message, "selector") {
		return TypeSubmitButtonNotFound
	}
	if strings.Contains(message, "selector") && (strings.Contains(message, "not provided") || strings.Contains(message, "missing")) {
		return TypeSubmitButtonSelectorMissing
	}
	return TypeSubmitButtonError
}

func classifyContentAnalysisError(message string) Type {
	if strings.Contains(message, "error indicators found") {
		return TypeFormValidationError
	}
	return TypeContentAnalysisFailed
}

func classifyFallback(message string) Type {
	switch {
	case instructionKeyword.MatchString(message):
		if instructionJSONPattern.MatchString(message) {
			return TypeInstruction
		}
		return TypeSystem
	case elementKeyword.MatchString(message):
		return TypeElementExternal
	case strings.Contains(message, "input"):
		return TypeInputExternal
	case strings.Contains(message, "submit"):
		return TypeSubmit
	case strings.Contains(message, "access"):
		return TypeExternalAccess
	default:
		return TypeSystem
	}
}

// IsRecoverable reports whether the orchestrator should retry the candidate
// (true) or leave it for a human to fix the instruction set (false).
func IsRecoverable(errType Type, errorMessage string) bool {
	if nonRecoverableTypes[errType] {
		return false
	}
	if !recoverableTypes[errType] {
		return false
	}

	lower := strings.ToLower(errorMessage)
	for _, pattern := range nonRecoverableMessagePatterns {
		if strings.Contains(lower, pattern) {
			return false
		}
	}
	return true
}

// ClassifyFormSubmission implements classify_form_submission_error, in the
// 13-rule order of the error taxonomy: rate limit, WAF challenge, bot
// detection, DNS/TLS, timeout, CSRF, duplicate submission, required-text
// evidence, format errors, submit-button tokens, element tokens, input-type
// mismatch, then the coarse fallback. A missing submit selector only wins
// when nothing in the message or page content explains the failure first —
// evidence of a required-field or format error outranks it.
func ClassifyFormSubmission(errorMessage string, httpStatus int, pageContent, submitSelector string) Type {
	message := strings.ToLower(errorMessage)
	content := strings.ToLower(pageContent)

	if t, ok := classifyBySubmissionEvidence(message, content, httpStatus); ok {
		return t
	}

	if strings.TrimSpace(submitSelector) == "" {
		return TypeSubmitButtonSelectorMissing
	}

	return classifyFallback(message)
}

// classifyBySubmissionEvidence runs the ordered rules over the combined
// error-message/page-content evidence, independent of whether a submit
// selector was supplied.
func classifyBySubmissionEvidence(message, content string, httpStatus int) (Type, bool) {
	blob := message
	if content != "" {
		blob = strings.TrimSpace(message + " " + content)
	}

	switch {
	case httpStatus == 429 || rateLimitPattern.MatchString(blob):
		return TypeRateLimit, true
	case wafChallengePattern.MatchString(blob) && (httpStatus == 0 || httpStatus == 403 || httpStatus == 503):
		return TypeWAFChallenge, true
	case botPattern.MatchString(blob) || matchesAny(captchaTextPatterns, blob):
		return TypeBotDetected, true
	case dnsErrorPattern.MatchString(blob):
		return TypeDNSError, true
	case tlsErrorPattern.MatchString(blob):
		return TypeTLSError, true
	case strings.Contains(blob, "timeout") || strings.Contains(blob, "timed out"):
		return TypeTimeout, true
	case matchesAny(csrfNearErrorPatterns, blob):
		return TypeCSRFError, true
	case matchesAny(duplicateTextPatterns, blob):
		return TypeDuplicateSubmission, true
	case matchesAny(requiredTextPatterns, blob):
		return TypeMapping, true
	case matchesAny(formatTextPatterns, blob):
		return TypeValidationFormat, true
	case notInteractablePattern.MatchString(blob):
		return TypeElementNotInteractable, true
	}

	if raw, ok := classifyByPatterns(message); ok {
		switch raw {
		case "SUBMIT_BUTTON":
			return TypeSubmitButtonNotFound, true
		case "CONTENT_ANALYSIS":
			return classifyContentAnalysisError(message), true
		default:
			return raw, true
		}
	}

	if strings.Contains(content, `aria-invalid="true"`) || strings.Contains(content, "required") {
		return TypeFormValidationError, true
	}

	return "", false
}

// Detail is the structured classify_detail result: a stable taxonomy code
// plus the coarse category, retry verdict, and confidence the orchestrator's
// write path persists alongside it.
type Detail struct {
	Code       Type    `json:"code"`
	Category   string  `json:"category"`
	Retryable  bool    `json:"retryable"`
	Confidence float64 `json:"confidence"`
}

const minDetailConfidence = 0.2

// ClassifyDetail implements classify_detail: the same evidence
// ClassifyFormSubmission uses, refined into a category and a confidence
// score that grows with how much evidence was available and whether a
// high-signal rule (rather than the coarse fallback) actually fired.
func ClassifyDetail(errorMessage string, httpStatus int, pageContent, submitSelector string) Detail {
	code := ClassifyFormSubmission(errorMessage, httpStatus, pageContent, submitSelector)
	return Detail{
		Code:       code,
		Category:   categoryFor(code),
		Retryable:  IsRecoverable(code, errorMessage),
		Confidence: confidenceFor(code, errorMessage, pageContent, httpStatus),
	}
}

func categoryFor(t Type) string {
	switch t {
	case TypeRateLimit, TypeWAFChallenge, TypeBotDetected:
		return "blocked"
	case TypeDNSError, TypeTLSError, TypeTimeout, TypeExternalAccess, TypeSystem, TypeElementExternal, TypeInputExternal:
		return "network"
	case TypeMapping, TypeValidationFormat, TypeFormValidationError, TypeElementNotFound,
		TypeElementNotInteractable, TypeInputTypeMismatch, TypeSubmitButtonNotFound,
		TypeSubmitButtonSelectorMissing, TypeSubmitButtonError, TypeContentAnalysisFailed,
		TypeSuccessDeterminationFailed:
		return "form"
	case TypeCSRFError, TypeDuplicateSubmission:
		return "submission"
	case TypeInstruction:
		return "instruction"
	default:
		return "unknown"
	}
}

// confidenceFor starts from the minimum floor and adds evidence weight for
// each signal actually available, plus a bonus when a specific high-signal
// rule (rather than the coarse SUBMIT/ACCESS/SYSTEM fallback) fired.
func confidenceFor(t Type, errorMessage, pageContent string, httpStatus int) float64 {
	confidence := minDetailConfidence
	if errorMessage != "" {
		confidence += 0.2
	}
	if pageContent != "" {
		confidence += 0.2
	}
	if httpStatus != 0 {
		confidence += 0.2
	}
	switch t {
	case TypeRateLimit, TypeWAFChallenge, TypeDNSError, TypeTLSError, TypeBotDetected, TypeCSRFError, TypeMapping, TypeValidationFormat:
		confidence += 0.2
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func matchesAny(patterns []*regexp.Regexp, content string) bool {
	for _, p := range patterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}

// ClassifyFormInput implements classify_form_input_error: pattern rules
// restricted to the field-input buckets, then a "not found" special case,
// then the general classifier.
func ClassifyFormInput(errorMessage string) Type {
	message := strings.ToLower(errorMessage)

	if raw, ok := classifyByPatterns(message); ok {
		switch raw {
		case TypeElementNotFound, TypeInputTypeMismatch, TypeFormValidationError:
			return raw
		}
	}

	if strings.Contains(message, "not found") {
		return TypeElementNotFound
	}

	return Classify(Context{ErrorMessage: errorMessage})
}
