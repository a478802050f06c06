package errorclass

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_SpecialCases(t *testing.T) {
	assert.Equal(t, TypeBotDetected, Classify(Context{ErrorMessage: "reCAPTCHA challenge presented"}))
	assert.Equal(t, TypeBotDetected, Classify(Context{ErrorMessage: "anything", IsBotDetected: true}))
	assert.Equal(t, TypeTimeout, Classify(Context{ErrorMessage: "request timeout after 30s"}))
	assert.Equal(t, TypeTimeout, Classify(Context{ErrorMessage: "anything", IsTimeout: true}))
}

func TestClassify_PatternRules(t *testing.T) {
	cases := []struct {
		message  string
		expected Type
	}{
		{"network timeout while loading page", TypeTimeout},
		{"server error 500 returned", TypeExternalAccess},
		{"instruction_json is invalid", TypeInstruction},
		{"submit button not found on page", TypeSubmitButtonNotFound},
		{"submit selector not provided for this form", TypeSubmitButtonSelectorMissing},
		{"cannot determine success of submission", TypeSuccessDeterminationFailed},
		{"error indicators found in content", TypeFormValidationError},
		{"content analysis failed unexpectedly", TypeContentAnalysisFailed},
		{"element not found for selector #email", TypeElementNotFound},
		{"input type mismatch on field", TypeInputTypeMismatch},
		{"form validation failed", TypeFormValidationError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.expected, Classify(Context{ErrorMessage: tc.message}), tc.message)
	}
}

func TestClassify_FallbackRules(t *testing.T) {
	assert.Equal(t, TypeInstruction, Classify(Context{ErrorMessage: "failed to parse instruction json"}))
	assert.Equal(t, TypeSystem, Classify(Context{ErrorMessage: "failed to parse something unrelated"}))
	assert.Equal(t, TypeElementExternal, Classify(Context{ErrorMessage: "selector mismatch on page"}))
	assert.Equal(t, TypeInputExternal, Classify(Context{ErrorMessage: "input rejected by site"}))
	assert.Equal(t, TypeSubmit, Classify(Context{ErrorMessage: "submit failed for unknown reason"}))
	assert.Equal(t, TypeExternalAccess, Classify(Context{ErrorMessage: "access blocked by site"}))
	assert.Equal(t, TypeSystem, Classify(Context{ErrorMessage: "something completely unexpected happened"}))
}

func TestClassify_IsDeterministic(t *testing.T) {
	ctx := Context{ErrorMessage: "element not found for selector #submit"}
	first := Classify(ctx)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Classify(ctx))
	}
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(TypeTimeout, "request timeout"))
	assert.False(t, IsRecoverable(TypeBotDetected, "captcha challenge"))
	assert.False(t, IsRecoverable(TypeElementNotFound, "selector missing from page"))
	assert.True(t, IsRecoverable(TypeElementNotFound, "element not found for #submit"))
	assert.False(t, IsRecoverable(TypeMapping, "required field not filled"))
}

func TestClassifyFormSubmission_MissingSelectorShortCircuits(t *testing.T) {
	assert.Equal(t, TypeSubmitButtonSelectorMissing, ClassifyFormSubmission("anything", 0, "", ""))
	assert.Equal(t, TypeSubmitButtonSelectorMissing, ClassifyFormSubmission("anything", 0, "", "   "))
}

func TestClassifyFormSubmission_RequiredTextOutranksMissingSelector(t *testing.T) {
	// Evidence of a mapping failure in page content wins even with no submit selector.
	got := ClassifyFormSubmission("", 0, "必須項目を入力してください", "")
	assert.Equal(t, TypeMapping, got)
}

func TestClassifyFormSubmission_PageContentRefinement(t *testing.T) {
	assert.Equal(t, TypeMapping, ClassifyFormSubmission("submit failed", 0, "この項目は必須です", "#submit"))
	assert.Equal(t, TypeValidationFormat, ClassifyFormSubmission("submit failed", 0, "invalid email format", "#submit"))
	assert.Equal(t, TypeDuplicateSubmission, ClassifyFormSubmission("submit failed", 0, "already submitted this form", "#submit"))
}

func TestClassifyFormSubmission_CSRFRequiresProximity(t *testing.T) {
	// "token" alone must not trigger CSRF_ERROR -- only proximity to an error word does.
	tokenOnly := ClassifyFormSubmission("submit failed", 0, "a hidden token field is present", "#submit")
	assert.NotEqual(t, TypeCSRFError, tokenOnly)

	csrfWithError := ClassifyFormSubmission("submit failed", 0, "csrf token invalid, please retry", "#submit")
	assert.Equal(t, TypeCSRFError, csrfWithError)
}

func TestClassifyFormSubmission_NewTaxonomyCodes(t *testing.T) {
	cases := []struct {
		message  string
		expected Type
	}{
		{"HTTP 429 Too Many Requests", TypeRateLimit},
		{"DDoS protection by Cloudflare. Just a moment...", TypeWAFChallenge},
		{"Access Denied. Akamai Reference #18.5dc51102.169", TypeWAFChallenge},
		{"net::ERR_NAME_NOT_RESOLVED while navigating", TypeDNSError},
		{"SSL: CERTIFICATE_VERIFY_FAILED", TypeTLSError},
		{"element is not visible and has zero size", TypeElementNotInteractable},
	}
	for _, tc := range cases {
		got := ClassifyFormSubmission(tc.message, 0, tc.message, "#submit")
		assert.Equal(t, tc.expected, got, tc.message)
	}
}

func TestClassifyDetail(t *testing.T) {
	detail := ClassifyDetail("", 403, "DDoS protection by Cloudflare", "#submit")
	assert.Equal(t, TypeWAFChallenge, detail.Code)
	assert.Equal(t, "blocked", detail.Category)
	assert.True(t, detail.Retryable)

	low := ClassifyDetail("", 0, "", "")
	assert.InDelta(t, minDetailConfidence, low.Confidence, 1e-6)

	high := ClassifyDetail("DNS lookup failed", 0, "", "")
	assert.GreaterOrEqual(t, high.Confidence, 0.6-1e-6)
}

func TestClassifyFormInput(t *testing.T) {
	assert.Equal(t, TypeElementNotFound, ClassifyFormInput("element #phone not found"))
	assert.Equal(t, TypeInputTypeMismatch, ClassifyFormInput("input type mismatch detected"))
}
