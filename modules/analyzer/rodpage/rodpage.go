// Package rodpage backs domport.Page with a real browser tab via go-rod.
package rodpage

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-rod/rod"

	"github.com/andreypavlenko/formsender/modules/analyzer/domport"
)

// Page adapts a *rod.Page to domport.Page.
type Page struct {
	rp *rod.Page
}

func New(rp *rod.Page) *Page {
	return &Page{rp: rp}
}

// element wraps *rod.Element and carries the selector it was resolved from,
// since rod elements do not expose the selector that found them.
type element struct {
	el       *rod.Element
	selector string
	index    int
}

func (e *element) Selector() string {
	return fmt.Sprintf("%s::%d", e.selector, e.index)
}

func (p *Page) ScrollToBottomUntilStable(ctx context.Context) error {
	var lastCount int
	for i := 0; i < 20; i++ {
		if err := p.rp.Context(ctx).Mouse.Scroll(0, 2000, 1); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		els, err := p.rp.Context(ctx).Elements("input, textarea, select")
		if err != nil {
			return fmt.Errorf("count elements: %w", err)
		}
		if len(els) == lastCount {
			break
		}
		lastCount = len(els)
	}
	return nil
}

func (p *Page) QueryAll(ctx context.Context, selector string) ([]domport.Element, error) {
	els, err := p.rp.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	out := make([]domport.Element, 0, len(els))
	for i, el := range els {
		out = append(out, &element{el: el, selector: selector, index: i})
	}
	return out, nil
}

func asElement(el domport.Element) (*element, error) {
	e, ok := el.(*element)
	if !ok {
		return nil, fmt.Errorf("element is not a rodpage element: %T", el)
	}
	return e, nil
}

func (p *Page) Attrs(ctx context.Context, el domport.Element) (domport.ElementAttrs, error) {
	e, err := asElement(el)
	if err != nil {
		return domport.ElementAttrs{}, err
	}

	attr := func(name string) string {
		v, err := e.el.Attribute(name)
		if err != nil || v == nil {
			return ""
		}
		return *v
	}

	tagName, err := e.el.Eval(`() => this.tagName`)
	if err != nil {
		return domport.ElementAttrs{}, fmt.Errorf("tag name: %w", err)
	}

	labelText := resolveLabelText(e.el)
	visible, _ := e.el.Visible()

	return domport.ElementAttrs{
		Selector:     e.Selector(),
		TagName:      strings.ToLower(tagName.Value.String()),
		Type:         attr("type"),
		Name:         attr("name"),
		ID:           attr("id"),
		Class:        attr("class"),
		Placeholder:  attr("placeholder"),
		AriaLabel:    attr("aria-label"),
		AriaRequired: attr("aria-required") == "true",
		Required:     attr("required") != "",
		Value:        attr("value"),
		Checked:      attr("checked") != "",
		Disabled:     attr("disabled") != "",
		ReadOnly:     attr("readonly") != "",
		Visible:      visible,
		Enabled:      attr("disabled") == "",
		LabelText:    labelText,
		ContextText:  parentContextText(e.el),
	}, nil
}

func resolveLabelText(el *rod.Element) string {
	res, err := el.Eval(`() => {
		const id = this.id;
		if (id) {
			const byFor = document.querySelector('label[for="' + CSS.escape(id) + '"]');
			if (byFor) return byFor.innerText;
		}
		const wrapping = this.closest('label');
		if (wrapping) return wrapping.innerText;
		const ariaId = this.getAttribute('aria-labelledby');
		if (ariaId) {
			const byAria = document.getElementById(ariaId);
			if (byAria) return byAria.innerText;
		}
		const th = this.closest('tr');
		if (th) {
			const cell = th.querySelector('th, dt');
			if (cell) return cell.innerText;
		}
		return '';
	}`)
	if err != nil {
		return ""
	}
	return res.Value.String()
}

func parentContextText(el *rod.Element) string {
	res, err := el.Eval(`() => {
		let node = this.parentElement;
		let depth = 0;
		let out = '';
		while (node && depth < 3) {
			out += ' ' + (node.className || '');
			node = node.parentElement;
			depth++;
		}
		return out.slice(0, 200);
	}`)
	if err != nil {
		return ""
	}
	return res.Value.String()
}

func (p *Page) BoundingBox(ctx context.Context, el domport.Element) (domport.BoundingBox, error) {
	e, err := asElement(el)
	if err != nil {
		return domport.BoundingBox{}, err
	}
	shape, err := e.el.Shape()
	if err != nil || shape == nil || len(shape.Quads) == 0 {
		return domport.BoundingBox{}, nil
	}
	box := shape.Box()
	return domport.BoundingBox{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height}, nil
}

func (p *Page) GroupContainerText(ctx context.Context, groupName string) (string, error) {
	res, err := p.rp.Context(ctx).Eval(`(name) => {
		const first = document.querySelector('[name="' + CSS.escape(name) + '"]');
		if (!first) return '';
		let node = first.parentElement;
		let depth = 0;
		let out = '';
		while (node && depth < 6) {
			out += ' ' + (node.innerText || '').slice(0, 200);
			node = node.parentElement;
			depth++;
		}
		return out.slice(0, 500);
	}`, groupName)
	if err != nil {
		return "", fmt.Errorf("group container text for %q: %w", groupName, err)
	}
	return res.Value.String(), nil
}

func (p *Page) FormBoundingBox(ctx context.Context) (domport.BoundingBox, error) {
	forms, err := p.rp.Context(ctx).Elements("form")
	if err != nil || len(forms) == 0 {
		return domport.BoundingBox{}, nil
	}
	shape, err := forms[0].Shape()
	if err != nil || shape == nil {
		return domport.BoundingBox{}, nil
	}
	box := shape.Box()
	return domport.BoundingBox{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height}, nil
}

func (p *Page) Fill(ctx context.Context, el domport.Element, value string) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	return e.el.Context(ctx).Input(value)
}

func (p *Page) Check(ctx context.Context, el domport.Element, checked bool) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	attrs, err := e.el.Attribute("checked")
	already := err == nil && attrs != nil
	if already == checked {
		return nil
	}
	return e.el.Context(ctx).Click("left", 1)
}

func (p *Page) SelectOption(ctx context.Context, el domport.Element, optionValue string) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	return e.el.Context(ctx).Select([]string{optionValue}, true, rod.SelectorTypeText)
}

func (p *Page) Click(ctx context.Context, el domport.Element) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	return e.el.Context(ctx).Click("left", 1)
}

// Locate parses a "selector::index" handle (the form every element's
// Selector() produces) and re-queries the page for it, since rod elements
// do not survive across navigation/page-state changes.
func (p *Page) Locate(ctx context.Context, selector string) (domport.Element, error) {
	base, idx, err := splitIndexedSelector(selector)
	if err != nil {
		return nil, err
	}
	els, err := p.rp.Context(ctx).Elements(base)
	if err != nil {
		return nil, fmt.Errorf("locate %q: %w", selector, err)
	}
	if idx < 0 || idx >= len(els) {
		return nil, fmt.Errorf("locate %q: index %d out of range (%d elements)", selector, idx, len(els))
	}
	return &element{el: els[idx], selector: base, index: idx}, nil
}

func splitIndexedSelector(selector string) (base string, index int, err error) {
	pos := strings.LastIndex(selector, "::")
	if pos < 0 {
		return "", 0, fmt.Errorf("not an indexed selector: %q", selector)
	}
	base = selector[:pos]
	if _, err := fmt.Sscanf(selector[pos+2:], "%d", &index); err != nil {
		return "", 0, fmt.Errorf("parsing index from %q: %w", selector, err)
	}
	return base, index, nil
}

func (p *Page) SelectOptions(ctx context.Context, el domport.Element) ([]string, error) {
	e, err := asElement(el)
	if err != nil {
		return nil, err
	}
	res, err := e.el.Context(ctx).Eval(`() => Array.from(this.options).map(o => o.text)`)
	if err != nil {
		return nil, fmt.Errorf("select options: %w", err)
	}
	var out []string
	if err := res.Value.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("unmarshal select options: %w", err)
	}
	return out, nil
}
