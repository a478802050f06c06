package analyzer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreypavlenko/formsender/internal/platform/logger"
	"github.com/andreypavlenko/formsender/modules/analyzer/domport"
)

// fakeElement and fakePage implement domport.Page in memory so the pipeline
// can run without a browser.
type fakeElement struct {
	selector string
}

func (f *fakeElement) Selector() string { return f.selector }

type fakeField struct {
	attrs domport.ElementAttrs
	box   domport.BoundingBox
}

type fakePage struct {
	byTag     map[string][]string // selector -> list of element selectors
	fields    map[string]fakeField
	formBox   domport.BoundingBox
	groupText map[string]string
	selectOpt map[string][]string
}

func newFakePage() *fakePage {
	return &fakePage{
		fields:    map[string]fakeField{},
		groupText: map[string]string{},
		selectOpt: map[string][]string{},
		formBox:   domport.BoundingBox{X: 0, Y: 0, Width: 1000, Height: 2000},
	}
}

func (p *fakePage) addField(selector string, attrs domport.ElementAttrs, box domport.BoundingBox) {
	attrs.Selector = selector
	p.fields[selector] = fakeField{attrs: attrs, box: box}
}

func (p *fakePage) ScrollToBottomUntilStable(ctx context.Context) error { return nil }

func (p *fakePage) QueryAll(ctx context.Context, selector string) ([]domport.Element, error) {
	var out []domport.Element
	switch selector {
	case "input, textarea, select":
		for sel := range p.fields {
			out = append(out, &fakeElement{selector: sel})
		}
	case "input[type=password]":
		for sel, f := range p.fields {
			if f.attrs.Type == "password" {
				out = append(out, &fakeElement{selector: sel})
			}
		}
	default:
		for sel, f := range p.fields {
			if f.attrs.TagName == "button" || f.attrs.Type == "submit" || f.attrs.Type == "image" {
				out = append(out, &fakeElement{selector: sel})
			}
			_ = f
		}
	}
	return out, nil
}

func (p *fakePage) Attrs(ctx context.Context, el domport.Element) (domport.ElementAttrs, error) {
	f, ok := p.fields[el.Selector()]
	if !ok {
		return domport.ElementAttrs{}, fmt.Errorf("no such element %s", el.Selector())
	}
	return f.attrs, nil
}

func (p *fakePage) BoundingBox(ctx context.Context, el domport.Element) (domport.BoundingBox, error) {
	f, ok := p.fields[el.Selector()]
	if !ok {
		return domport.BoundingBox{}, nil
	}
	return f.box, nil
}

func (p *fakePage) GroupContainerText(ctx context.Context, groupName string) (string, error) {
	return p.groupText[groupName], nil
}

func (p *fakePage) FormBoundingBox(ctx context.Context) (domport.BoundingBox, error) {
	return p.formBox, nil
}

func (p *fakePage) Fill(ctx context.Context, el domport.Element, value string) error   { return nil }
func (p *fakePage) Check(ctx context.Context, el domport.Element, checked bool) error  { return nil }
func (p *fakePage) SelectOption(ctx context.Context, el domport.Element, v string) error { return nil }

func (p *fakePage) SelectOptions(ctx context.Context, el domport.Element) ([]string, error) {
	return p.selectOpt[el.Selector()], nil
}

func (p *fakePage) Click(ctx context.Context, el domport.Element) error { return nil }

func (p *fakePage) Locate(ctx context.Context, selector string) (domport.Element, error) {
	if _, ok := p.fields[selector]; !ok {
		return nil, fmt.Errorf("no such element %s", selector)
	}
	return &fakeElement{selector: selector}, nil
}

func testLogger() *logger.Logger {
	l, _ := logger.New("error", "console")
	return l
}

func TestAnalyze_MapsEssentialFieldsAndAssignsValues(t *testing.T) {
	page := newFakePage()
	page.addField("#email", domport.ElementAttrs{TagName: "input", Type: "email", Name: "email", Required: true, Visible: true}, domport.BoundingBox{X: 10, Y: 10, Width: 100, Height: 20})
	page.addField("#message", domport.ElementAttrs{TagName: "textarea", Name: "message", LabelText: "お問い合わせ内容", Required: true, Visible: true}, domport.BoundingBox{X: 10, Y: 50, Width: 200, Height: 100})
	page.addField("#submit", domport.ElementAttrs{TagName: "button", Type: "submit", Value: "送信する", Visible: true}, domport.BoundingBox{X: 10, Y: 200, Width: 80, Height: 30})

	config := DefaultConfig()
	config.EssentialFields = []string{"メールアドレス", "お問い合わせ本文"}
	a := New(page, testLogger(), config)
	result := a.Analyze(context.Background(), ClientData{
		Client:    map[string]string{"email": "user@example.com"},
		Targeting: map[string]string{"message": "hello there"},
	})

	require.True(t, result.Success)
	assert.Equal(t, "contact", result.FormType)

	var gotEmail, gotMessage bool
	for _, m := range result.FieldMapping {
		if m.FieldName == "メールアドレス" {
			gotEmail = true
		}
		if m.FieldName == "お問い合わせ本文" {
			gotMessage = true
		}
	}
	assert.True(t, gotEmail, "email field should be mapped")
	assert.True(t, gotMessage, "message field should be mapped")
	assert.NotEmpty(t, result.SubmitButtons)
	assert.True(t, result.ValidationResult.OK, "missing=%v duplicates=%v", result.ValidationResult.MissingFields, result.ValidationResult.DuplicateValues)
}

func TestAnalyze_LoginFormShortCircuits(t *testing.T) {
	page := newFakePage()
	page.addField("#pw", domport.ElementAttrs{TagName: "input", Type: "password", Name: "password"}, domport.BoundingBox{})

	a := New(page, testLogger(), DefaultConfig())
	result := a.Analyze(context.Background(), ClientData{})

	require.True(t, result.Success)
	assert.Equal(t, "login", result.FormType)
	assert.Empty(t, result.FieldMapping)
}

func TestAnalyze_EmailSafetyGateRejectsNonSemanticMatch(t *testing.T) {
	page := newFakePage()
	// A text field whose only signal is the weak "address" pattern should
	// not be accepted as メールアドレス without type=email or strong tokens.
	page.addField("#addr", domport.ElementAttrs{TagName: "input", Type: "text", Name: "address", Required: true, Visible: true}, domport.BoundingBox{X: 0, Y: 0, Width: 50, Height: 10})
	// A second field keeps the page from being classified as a search form,
	// so the mapping stage and its email gate actually run.
	page.addField("#message", domport.ElementAttrs{TagName: "textarea", Name: "message", Visible: true}, domport.BoundingBox{X: 0, Y: 20, Width: 100, Height: 40})

	a := New(page, testLogger(), DefaultConfig())
	result := a.Analyze(context.Background(), ClientData{Client: map[string]string{"email": "user@example.com"}})

	require.True(t, result.Success)
	assert.Equal(t, "contact", result.FormType)
	for _, m := range result.FieldMapping {
		assert.NotEqual(t, "メールアドレス", m.FieldName)
	}
}

func TestAnalyze_PostalSplitPromotion(t *testing.T) {
	page := newFakePage()
	page.addField("#zip1", domport.ElementAttrs{TagName: "input", Type: "text", Name: "zip1", Required: true, Visible: true}, domport.BoundingBox{X: 0, Y: 0, Width: 50, Height: 10})
	page.addField("#zip2", domport.ElementAttrs{TagName: "input", Type: "text", Name: "zip2", Required: true, Visible: true}, domport.BoundingBox{X: 60, Y: 0, Width: 50, Height: 10})

	a := New(page, testLogger(), DefaultConfig())
	result := a.Analyze(context.Background(), ClientData{Client: map[string]string{"postal_code_1": "123", "postal_code_2": "4567"}})

	require.True(t, result.Success)
	var got1, got2 bool
	for _, m := range result.FieldMapping {
		assert.NotEqual(t, "郵便番号", m.FieldName, "unified field must be replaced by the split pair")
		if m.FieldName == "郵便番号1" {
			got1 = true
		}
		if m.FieldName == "郵便番号2" {
			got2 = true
		}
	}
	assert.True(t, got1, "郵便番号1 should be mapped")
	assert.True(t, got2, "郵便番号2 should be mapped")
}

func TestAnalyze_RequiredRescuePromotesUnmappedRequiredInputs(t *testing.T) {
	page := newFakePage()
	page.addField("#email", domport.ElementAttrs{TagName: "input", Type: "email", Name: "email", Required: true, Visible: true}, domport.BoundingBox{X: 0, Y: 0, Width: 100, Height: 20})
	page.addField("#weird", domport.ElementAttrs{TagName: "input", Type: "text", Name: "weird_required_box", Required: true, Visible: true}, domport.BoundingBox{X: 0, Y: 30, Width: 100, Height: 20})
	page.addField("#captcha", domport.ElementAttrs{TagName: "input", Type: "text", Name: "captcha_answer", Required: true, Visible: true}, domport.BoundingBox{X: 0, Y: 60, Width: 100, Height: 20})

	config := DefaultConfig()
	config.EssentialFields = []string{"メールアドレス"}
	a := New(page, testLogger(), config)
	result := a.Analyze(context.Background(), ClientData{Client: map[string]string{"email": "user@example.com"}})

	require.True(t, result.Success)
	var rescued, captchaMapped bool
	for _, m := range result.FieldMapping {
		if m.FieldName == "auto_required_text_1" {
			rescued = true
			assert.Equal(t, "#weird", m.Selector)
		}
		if m.Selector == "#captcha" {
			captchaMapped = true
		}
	}
	assert.True(t, rescued, "non-fillable-looking but unrecognized required input should be rescued")
	assert.False(t, captchaMapped, "captcha input must never be rescued")

	var assignedPlaceholder bool
	for _, asn := range result.InputAssignments {
		if asn.Selector == "#weird" {
			assignedPlaceholder = true
			assert.Equal(t, "　", asn.Value)
		}
	}
	assert.True(t, assignedPlaceholder)
}

func TestAnalyze_MultiAddressRescueUsesSupplementSuffix(t *testing.T) {
	page := newFakePage()
	page.addField("#email", domport.ElementAttrs{TagName: "input", Type: "email", Name: "email", Required: true, Visible: true}, domport.BoundingBox{X: 0, Y: 0, Width: 100, Height: 20})
	page.addField("#address", domport.ElementAttrs{TagName: "input", Type: "text", Name: "address", Required: true, Visible: true}, domport.BoundingBox{X: 0, Y: 30, Width: 100, Height: 20})
	page.addField("#address2", domport.ElementAttrs{TagName: "input", Type: "text", Name: "address_line2", LabelText: "住所2", Required: true, Visible: true}, domport.BoundingBox{X: 0, Y: 60, Width: 100, Height: 20})

	config := DefaultConfig()
	config.EssentialFields = []string{"メールアドレス"}
	a := New(page, testLogger(), config)
	result := a.Analyze(context.Background(), ClientData{Client: map[string]string{
		"email":     "user@example.com",
		"address_1": "1-2-3 Chiyoda",
		"address_2": "Sample Bldg 4F",
	}})

	require.True(t, result.Success)
	var base, supplement string
	for _, m := range result.FieldMapping {
		if m.FieldName == "住所" {
			base = m.Selector
		}
		if m.FieldName == "住所_補助1" {
			supplement = m.Selector
		}
	}
	assert.Equal(t, "#address", base)
	assert.Equal(t, "#address2", supplement)

	values := map[string]string{}
	for _, asn := range result.InputAssignments {
		values[asn.Selector] = asn.Value
	}
	assert.Equal(t, "1-2-3 Chiyoda", values["#address"])
	assert.Equal(t, "Sample Bldg 4F", values["#address2"])
}
