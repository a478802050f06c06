package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateCandidate_RejectsNonPositiveRecordID(t *testing.T) {
	err := validateCandidate(Candidate{RecordID: 0, FormURL: "https://example.test/contact"})
	assert.Error(t, err)
}

func TestValidateCandidate_RejectsNonHTTPFormURL(t *testing.T) {
	err := validateCandidate(Candidate{RecordID: 1, FormURL: "ftp://example.test/contact"})
	assert.Error(t, err)
}

func TestValidateCandidate_RejectsActiveContentInClientFields(t *testing.T) {
	err := validateCandidate(Candidate{
		RecordID: 1,
		FormURL:  "https://example.test/contact",
		Client:   map[string]string{"company_name": "<script>alert(1)</script>"},
	})
	assert.Error(t, err)
}

func TestValidateCandidate_AcceptsWellFormedCandidate(t *testing.T) {
	err := validateCandidate(Candidate{
		RecordID: 1,
		FormURL:  "https://example.test/contact",
		Client:   map[string]string{"company_name": "Example Co."},
	})
	assert.NoError(t, err)
}
