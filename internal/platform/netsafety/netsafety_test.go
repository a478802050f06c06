package netsafety

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateOutboundURL_RejectsNonHTTPScheme(t *testing.T) {
	assert.Error(t, ValidateOutboundURL("ftp://example.com/file"))
}

func TestValidateOutboundURL_RejectsLoopbackHostname(t *testing.T) {
	assert.Error(t, ValidateOutboundURL("http://localhost/admin"))
}

func TestValidateOutboundURL_RejectsBareIPv4Literal(t *testing.T) {
	assert.Error(t, ValidateOutboundURL("http://192.168.1.5/form"))
}

func TestValidateOutboundURL_RejectsOverlongURL(t *testing.T) {
	long := "https://example.com/" + string(make([]byte, 2100))
	assert.Error(t, ValidateOutboundURL(long))
}

func TestValidateOutboundURL_AcceptsPlainPublicHTTPS(t *testing.T) {
	assert.NoError(t, ValidateOutboundURL("https://example.com/contact"))
}
