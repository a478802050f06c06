// Package domport declares the DOM access surface the analyzer pipeline
// depends on. A concrete implementation backs it with a real browser
// (modules/analyzer/rodpage); tests back it with an in-memory fake so the
// pipeline runs without a browser at all.
package domport

import "context"

// BoundingBox is a page-relative element rectangle, or the zero value when
// the element has no box (detached, display:none).
type BoundingBox struct {
	X, Y, Width, Height float64
}

func (b BoundingBox) Empty() bool {
	return b.Width == 0 && b.Height == 0
}

// ElementAttrs is the flat attribute/text bundle the scorer reads. It is
// captured once per element and cached, never re-read from the live DOM
// inside a single analysis pass.
type ElementAttrs struct {
	Selector    string
	TagName     string
	Type        string
	Name        string
	ID          string
	Class       string
	Placeholder string
	AriaLabel   string
	AriaRequired bool
	Required     bool
	Value        string
	Checked      bool
	Disabled     bool
	ReadOnly     bool
	Visible      bool
	Enabled      bool

	// LabelText is the resolved label for this element: label[for=id],
	// wrapping <label>, aria-labelledby target, or a header cell of the
	// enclosing table row, in that preference order.
	LabelText string
	// ContextText is supplementary nearby text: in the browser-backed page,
	// the class names of up to three ancestors, capped at 200 characters.
	ContextText string
}

// Element is an opaque handle; only the Page methods below may act on it.
type Element interface {
	Selector() string
}

// ClassifiedBuckets groups elements by the classify-elements stage.
type ClassifiedBuckets struct {
	TextInputs   []Element
	EmailInputs  []Element
	TelInputs    []Element
	URLInputs    []Element
	NumberInputs []Element
	Textareas    []Element
	Selects      []Element
	Radios       []Element
	Checkboxes   []Element
}

// Page is the DOM access surface the analyzer pipeline needs. Everything is
// read-only except Fill/Check/SelectOption, which materialize the final
// input_assignments.
type Page interface {
	// ScrollToBottomUntilStable progressively scrolls until no new
	// form-relevant elements appear between two consecutive passes.
	ScrollToBottomUntilStable(ctx context.Context) error

	// QueryAll returns every element matching a CSS selector, in document
	// order. Only the top-level document is searched; iframes and shadow
	// roots are not entered.
	QueryAll(ctx context.Context, selector string) ([]Element, error)

	// Attrs reads the full attribute/label/context bundle for an element.
	// Implementations should batch these reads (e.g. one evaluate() call
	// per page) rather than round-tripping per attribute.
	Attrs(ctx context.Context, el Element) (ElementAttrs, error)

	// BoundingBox returns the element's box, or the zero value if detached.
	BoundingBox(ctx context.Context, el Element) (BoundingBox, error)

	// GroupContainerText returns the text of a radio/checkbox group's
	// container, read from up to 6 ancestors of the group's first input;
	// sibling elements are not read.
	GroupContainerText(ctx context.Context, groupName string) (string, error)

	// FormBoundingBox returns the box of the form the elements live in, used
	// to scope submit-button detection.
	FormBoundingBox(ctx context.Context) (BoundingBox, error)

	Fill(ctx context.Context, el Element, value string) error
	Check(ctx context.Context, el Element, checked bool) error
	SelectOption(ctx context.Context, el Element, optionValue string) error

	// SelectOptions returns the visible text of every <option> in a select.
	SelectOptions(ctx context.Context, el Element) ([]string, error)

	// Click activates el (used for the submit control once assignments are
	// applied).
	Click(ctx context.Context, el Element) error

	// Locate re-resolves an element's Selector() string to a live handle,
	// for callers (the worker applier) holding only the string form of an
	// analysis result produced in an earlier pass over the page.
	Locate(ctx context.Context, selector string) (Element, error)
}
