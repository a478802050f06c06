package analyzer

import (
	"context"
	"strings"

	"github.com/andreypavlenko/formsender/modules/analyzer/domport"
)

var submitTextPattern = []string{"送信", "問い合わせ", "送る", "submit", "send", "確認"}

// detectSubmitButtons implements spec.md §4.1.1 step 9: within the form's
// bounding box only, collect submit-like controls in document order. Global
// header/search buttons living outside the form box are never returned.
func (a *Analyzer) detectSubmitButtons(ctx context.Context) ([]SubmitButton, error) {
	formBox, err := a.page.FormBoundingBox(ctx)
	if err != nil {
		return nil, err
	}

	selector := `button[type=submit], input[type=submit], input[type=image], [role=button]`
	candidates, err := a.page.QueryAll(ctx, selector)
	if err != nil {
		return nil, err
	}

	var buttons []SubmitButton
	for _, el := range candidates {
		box, err := a.cachedBox(ctx, el)
		if err != nil || box.Empty() {
			continue
		}
		if !boxWithin(box, formBox) {
			continue
		}
		attrs, err := a.cachedAttrs(ctx, el)
		if err != nil {
			continue
		}
		text := strings.ToLower(attrs.Value + " " + attrs.AriaLabel + " " + attrs.LabelText)
		tag := strings.ToLower(attrs.TagName)
		typ := strings.ToLower(attrs.Type)
		if tag == "input" && (typ == "submit" || typ == "image") {
			buttons = append(buttons, SubmitButton{Selector: el.Selector(), Text: attrs.Value, TagName: tag})
			continue
		}
		if containsAnyOf(text, submitTextPattern) {
			buttons = append(buttons, SubmitButton{Selector: el.Selector(), Text: attrs.Value, TagName: tag})
		}
	}
	return buttons, nil
}

func boxWithin(box, form domport.BoundingBox) bool {
	if form.Empty() {
		return true
	}
	return box.X >= form.X-5 && box.Y >= form.Y-5 &&
		box.X+box.Width <= form.X+form.Width+5 &&
		box.Y+box.Height <= form.Y+form.Height+5
}
