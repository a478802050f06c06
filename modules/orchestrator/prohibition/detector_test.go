package prohibition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect_NoMatchesOnPlainForm(t *testing.T) {
	result := Detect(`<html><body><form><p>お問い合わせフォームです</p></form></body></html>`)
	assert.False(t, result.Detected)
	assert.Equal(t, "none", result.Severity)
}

func TestDetect_SingleDirectPhraseIsModerate(t *testing.T) {
	result := Detect(`<html><body><form><p>営業電話お断りです。ご了承ください。</p></form></body></html>`)
	assert.True(t, result.Detected)
	assert.GreaterOrEqual(t, result.DirectHits, 1)
	assert.Contains(t, []string{"moderate", "strict"}, result.Severity)
}

func TestDetect_TwoDirectPhrasesIsStrict(t *testing.T) {
	html := `<html><body>
		<form>
			<p>営業電話お断り</p>
			<small>勧誘お断り。注意事項をご確認ください。</small>
		</form>
	</body></html>`
	result := Detect(html)
	assert.True(t, result.Detected)
	assert.Equal(t, "strict", result.Severity)
	assert.GreaterOrEqual(t, result.DirectHits, 2)
}

func TestDetect_ShortTextBelowMinLengthIsIgnored(t *testing.T) {
	result := Detect(`<html><body><span>断り</span></body></html>`)
	assert.False(t, result.Detected)
}
