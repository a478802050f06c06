// Package analyzer implements the rule-based DOM form analyzer: it reads a
// live page through the domport.Page contract, maps form elements to
// logical client fields, plans auto-handled elements (checkboxes, radios,
// selects, confirmation copies), assigns values, locates the submit button,
// and validates the result — without ever touching the network itself.
package analyzer

import (
	"github.com/andreypavlenko/formsender/modules/errorclass"
)

// ClientData is the structured bundle the caller supplies: personal fields
// plus the per-send targeting payload (message body, subject, ...).
type ClientData struct {
	Client    map[string]string
	Targeting map[string]string
	Gender    string // "male" | "female" | "other", already normalized
}

// FieldMapping is the logical-field -> element selector assignment produced
// by the mapping stage, before value assignment.
type FieldMapping struct {
	FieldName string
	Selector  string
	Score     float64
	TagName   string
	Type      string
}

// AutoHandledElement records a plan for an element the mapping stage did not
// claim but an unmapped-element handler decided to act on.
type AutoHandledElement struct {
	Selector   string
	Kind       string // "checkbox" | "radio" | "select" | "email_confirm"
	Action     string // "check" | "select" | "copy_from"
	Value      string
	CopyFrom   string
	Reason     string
}

// InputAssignment is a materialized (selector, value) pair ready to be
// written to the page.
type InputAssignment struct {
	Selector  string
	FieldName string
	Value     string
}

// SubmitButton is a candidate submit control, in document priority order.
type SubmitButton struct {
	Selector string
	Text     string
	TagName  string
}

// SpecialElement flags something the pipeline noticed but did not act on
// (e.g. a captcha input, an OTP field) so the caller can short-circuit.
type SpecialElement struct {
	Selector string
	Kind     string
}

// ValidationResult is the outcome of the final invariant check.
type ValidationResult struct {
	OK              bool
	MissingFields   []string
	DuplicateValues []string
}

// SalesProhibition is populated when the prohibition detector (driven
// separately, from fetched HTML) flags the page; the analyzer only carries
// the verdict through to the result, it does not run the detector itself.
type SalesProhibition struct {
	Detected bool
	Severity string // "strict" | "moderate" | "mild" | "weak" | ""
}

// Summary is a compact tally for logging/telemetry.
type Summary struct {
	MappedFields      int
	AutoHandled       int
	UnmappedRequired  int
	SubmitCandidates  int
}

// AnalysisResult is the full output contract of Analyze.
type AnalysisResult struct {
	Success bool
	Error   string

	FieldMapping        []FieldMapping
	AutoHandledElements []AutoHandledElement
	InputAssignments    []InputAssignment
	SubmitButtons       []SubmitButton
	SpecialElements     []SpecialElement
	ValidationResult    ValidationResult
	SalesProhibition    SalesProhibition
	Summary             Summary

	// FormType is set by the classification stage; non-contact forms
	// ("login" or "search") short-circuit mapping.
	FormType string
}

// Failure builds a {success:false, error} result, matching the pipeline's
// contract of never throwing across its boundary.
func Failure(err error) AnalysisResult {
	return AnalysisResult{Success: false, Error: err.Error()}
}

// classificationError wraps an internal failure with the error taxonomy so
// callers upstream can route it the same way submission failures are
// routed.
type classificationError struct {
	errType errorclass.Type
	msg     string
}

func (e *classificationError) Error() string { return e.msg }
