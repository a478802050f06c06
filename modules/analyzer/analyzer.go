package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/andreypavlenko/formsender/internal/platform/logger"
	"github.com/andreypavlenko/formsender/modules/analyzer/domport"
	"github.com/andreypavlenko/formsender/modules/analyzer/fields"
)

// Config tunes the thresholds spec.md §4.1.2 leaves parametric.
type Config struct {
	MinScoreThreshold float64
	QuickRankTopK     int
	QuickRankTopKCore int
	EssentialFields   []string
}

func DefaultConfig() Config {
	return Config{
		MinScoreThreshold: 55,
		QuickRankTopK:     15,
		QuickRankTopKCore: 25,
		EssentialFields:   []string{"メールアドレス", "お問い合わせ本文", "姓", "名", "統合氏名"},
	}
}

// Analyzer runs the full DOM-to-assignments pipeline against one Page.
type Analyzer struct {
	page   domport.Page
	log    *logger.Logger
	config Config

	attrCache  map[string]domport.ElementAttrs
	boxCache   map[string]domport.BoundingBox
	dedupeReg  map[string]string // field -> materialized value, for the duplicate-value check
}

func New(page domport.Page, log *logger.Logger, config Config) *Analyzer {
	return &Analyzer{
		page:      page,
		log:       log,
		config:    config,
		attrCache: map[string]domport.ElementAttrs{},
		boxCache:  map[string]domport.BoundingBox{},
		dedupeReg: map[string]string{},
	}
}

// Analyze runs the pipeline end to end. It never returns an error; internal
// failures are folded into AnalysisResult.Success=false per the contract.
func (a *Analyzer) Analyze(ctx context.Context, client ClientData) (result AnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			result = Failure(fmt.Errorf("analyzer panic: %v", r))
		}
	}()

	if err := a.page.ScrollToBottomUntilStable(ctx); err != nil {
		return Failure(fmt.Errorf("preprocess: scroll: %w", err))
	}

	buckets, err := a.classifyElements(ctx)
	if err != nil {
		return Failure(fmt.Errorf("classify elements: %w", err))
	}

	formType := a.detectFormType(ctx, buckets)
	if formType != "" && formType != "contact" {
		return AnalysisResult{Success: true, FormType: formType}
	}

	requiredSelectors, treatAllAsRequired, err := a.analyzeRequiredFields(ctx, buckets)
	if err != nil {
		return Failure(fmt.Errorf("required-field analysis: %w", err))
	}

	mapping, usedSelectors, err := a.mapFields(ctx, buckets, requiredSelectors, treatAllAsRequired)
	if err != nil {
		return Failure(fmt.Errorf("field mapping: %w", err))
	}

	mapping = a.postProcess(ctx, buckets, mapping, usedSelectors, requiredSelectors)

	autoHandled, err := a.handleUnmapped(ctx, buckets, usedSelectors, requiredSelectors, client)
	if err != nil {
		return Failure(fmt.Errorf("unmapped handlers: %w", err))
	}

	assignments := a.assignValues(mapping, autoHandled, client)

	submitButtons, err := a.detectSubmitButtons(ctx)
	if err != nil {
		return Failure(fmt.Errorf("submit-button detection: %w", err))
	}

	validation := a.validate(mapping, assignments)

	return AnalysisResult{
		Success:             true,
		FormType:            "contact",
		FieldMapping:         mapping,
		AutoHandledElements:  autoHandled,
		InputAssignments:     assignments,
		SubmitButtons:        submitButtons,
		ValidationResult:     validation,
		Summary: Summary{
			MappedFields:     len(mapping),
			AutoHandled:      len(autoHandled),
			SubmitCandidates: len(submitButtons),
		},
	}
}

func (a *Analyzer) cachedAttrs(ctx context.Context, el domport.Element) (domport.ElementAttrs, error) {
	sel := el.Selector()
	if attrs, ok := a.attrCache[sel]; ok {
		return attrs, nil
	}
	attrs, err := a.page.Attrs(ctx, el)
	if err != nil {
		return domport.ElementAttrs{}, err
	}
	a.attrCache[sel] = attrs
	return attrs, nil
}

func (a *Analyzer) cachedBox(ctx context.Context, el domport.Element) (domport.BoundingBox, error) {
	sel := el.Selector()
	if box, ok := a.boxCache[sel]; ok {
		return box, nil
	}
	box, err := a.page.BoundingBox(ctx, el)
	if err != nil {
		return domport.BoundingBox{}, err
	}
	a.boxCache[sel] = box
	return box, nil
}

// classifyElements buckets every form-relevant element by tag/type. Hidden,
// submit, image, and plain button elements are intentionally excluded from
// every bucket here; submit-button detection handles those separately.
func (a *Analyzer) classifyElements(ctx context.Context) (domport.ClassifiedBuckets, error) {
	var buckets domport.ClassifiedBuckets

	all, err := a.page.QueryAll(ctx, "input, textarea, select")
	if err != nil {
		return buckets, err
	}

	for _, el := range all {
		attrs, err := a.cachedAttrs(ctx, el)
		if err != nil {
			continue
		}
		tag := strings.ToLower(attrs.TagName)
		typ := strings.ToLower(attrs.Type)

		switch {
		case tag == "textarea":
			buckets.Textareas = append(buckets.Textareas, el)
		case tag == "select":
			buckets.Selects = append(buckets.Selects, el)
		case tag == "input" && typ == "email":
			buckets.EmailInputs = append(buckets.EmailInputs, el)
		case tag == "input" && typ == "tel":
			buckets.TelInputs = append(buckets.TelInputs, el)
		case tag == "input" && typ == "url":
			buckets.URLInputs = append(buckets.URLInputs, el)
		case tag == "input" && typ == "number":
			buckets.NumberInputs = append(buckets.NumberInputs, el)
		case tag == "input" && typ == "radio":
			buckets.Radios = append(buckets.Radios, el)
		case tag == "input" && typ == "checkbox":
			buckets.Checkboxes = append(buckets.Checkboxes, el)
		case tag == "input" && (typ == "text" || typ == ""):
			buckets.TextInputs = append(buckets.TextInputs, el)
		case tag == "input" && (typ == "hidden" || typ == "submit" || typ == "image" || typ == "button"):
			// excluded from mapping by design
		}
	}
	return buckets, nil
}

// detectFormType inspects the page's overall shape; anything but "contact"
// short-circuits mapping with a non-goal result. Two other shapes are
// recognized: "login" when a dedicated query finds a password input (those
// never land in the mapping buckets), and "search" when the buckets hold a
// single text-like input and no checkboxes or radios. Auth, order and
// newsletter forms are not told apart from contact forms.
func (a *Analyzer) detectFormType(ctx context.Context, buckets domport.ClassifiedBuckets) string {
	passwordInputs, err := a.page.QueryAll(ctx, "input[type=password]")
	if err == nil && len(passwordInputs) > 0 {
		return "login"
	}
	if len(buckets.TextInputs)+len(buckets.EmailInputs)+len(buckets.TelInputs)+len(buckets.Textareas) == 1 &&
		len(buckets.Checkboxes) == 0 && len(buckets.Radios) == 0 {
		return "search"
	}
	return "contact"
}

func bucketsByType(b domport.ClassifiedBuckets, bucketType string) []domport.Element {
	switch bucketType {
	case "text_inputs":
		return b.TextInputs
	case "email_inputs":
		return b.EmailInputs
	case "tel_inputs":
		return b.TelInputs
	case "url_inputs":
		return b.URLInputs
	case "number_inputs":
		return b.NumberInputs
	case "textareas":
		return b.Textareas
	case "selects":
		return b.Selects
	case "radios":
		return b.Radios
	case "checkboxes":
		return b.Checkboxes
	}
	return nil
}

// mapFields runs the priority-ordered candidate selection of spec.md §4.1.1
// step 5: for every logical field, in descending weight order, pick at most
// one best-scoring element and decide whether it clears the mapping bar.
func (a *Analyzer) mapFields(ctx context.Context, buckets domport.ClassifiedBuckets, required map[string]bool, treatAllAsRequired bool) ([]FieldMapping, map[string]bool, error) {
	var mapping []FieldMapping
	used := map[string]bool{}
	essentialsComplete := map[string]bool{}

	for _, spec := range fields.SortedByWeight() {
		bucketTypes := spec.BucketTypes
		if spec.Name == "お問い合わせ本文" && len(buckets.Textareas) > 0 {
			bucketTypes = []string{"textareas"}
		}

		var candidates []domport.Element
		for _, bt := range bucketTypes {
			candidates = append(candidates, bucketsByType(buckets, bt)...)
		}

		var bestEl domport.Element
		var bestScore float64
		var bestAttrs domport.ElementAttrs

		for _, el := range candidates {
			if used[el.Selector()] {
				continue
			}
			attrs, err := a.cachedAttrs(ctx, el)
			if err != nil {
				continue
			}
			score, ok := scoreCandidate(spec, attrs)
			if !ok {
				continue
			}
			if score > bestScore {
				bestScore, bestEl, bestAttrs = score, el, attrs
			}
		}

		if bestEl == nil {
			continue
		}

		isRequiredMatch := required[bestAttrs.Name] || required[bestAttrs.ID]
		shouldMap := spec.Core || isRequiredMatch ||
			(treatAllAsRequired && containsString(a.config.EssentialFields, spec.Name))
		if !shouldMap && fields.OptionalHighPriority[spec.Name] {
			threshold := dynamicQualityThreshold(spec, a.config.MinScoreThreshold, len(essentialsComplete) == len(a.config.EssentialFields))
			if bestScore >= threshold {
				shouldMap = true
			}
		}
		if !shouldMap {
			continue
		}

		threshold := dynamicQualityThreshold(spec, a.config.MinScoreThreshold, len(essentialsComplete) == len(a.config.EssentialFields))
		mapOK := false
		if spec.Core {
			if perField, ok := fields.PerFieldThreshold[spec.Name]; ok {
				mapOK = bestScore >= perField
			} else {
				mapOK = isRequiredMatch || bestScore >= a.config.MinScoreThreshold
			}
		} else {
			mapOK = bestScore >= threshold
		}
		if !mapOK {
			continue
		}

		if !fieldSafetyGatePasses(spec.Name, bestAttrs) {
			continue
		}

		mapping = append(mapping, FieldMapping{
			FieldName: spec.Name,
			Selector:  bestEl.Selector(),
			Score:     bestScore,
			TagName:   bestAttrs.TagName,
			Type:      bestAttrs.Type,
		})
		used[bestEl.Selector()] = true
		if spec.Essential {
			essentialsComplete[spec.Name] = true
		}
	}

	return mapping, used, nil
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

// fieldSafetyGatePasses implements the per-field guards of spec.md §4.1.1
// step 5: email/phone/postal/prefecture candidates that clear the score
// threshold can still be rejected on semantic grounds.
func fieldSafetyGatePasses(fieldName string, attrs domport.ElementAttrs) bool {
	blob := strings.ToLower(strings.Join([]string{attrs.Name, attrs.ID, attrs.Class, attrs.Placeholder, attrs.LabelText}, " "))

	switch fieldName {
	case "メールアドレス":
		if strings.ToLower(attrs.Type) == "email" {
			return true
		}
		return containsAny(blob, "email", "e-mail", "mail", "メール")
	case "電話番号":
		if strings.ToLower(attrs.Type) == "tel" {
			return true
		}
		if containsAny(blob, "time", "hour", "営業時間") {
			return false
		}
		return containsAny(blob, "tel", "phone", "電話")
	case "郵便番号":
		if containsAny(blob, "captcha", "confirm", "確認") {
			return false
		}
		return containsAny(blob, "zip", "postal", "郵便", "〒")
	case "都道府県":
		return containsAny(blob, "prefecture", "pref", "都道府県", "state")
	}
	return true
}

func containsAny(blob string, tokens ...string) bool {
	for _, t := range tokens {
		if strings.Contains(blob, t) {
			return true
		}
	}
	return false
}
