package analyzer

// validate implements spec.md §4.1.1 step 10: essential fields must be
// present (unless the form type already excused them upstream), and no two
// assignments may carry the same value unless one of them is an
// email-confirmation copy.
func (a *Analyzer) validate(mapping []FieldMapping, assignments []InputAssignment) ValidationResult {
	mapped := map[string]bool{}
	for _, m := range mapping {
		mapped[m.FieldName] = true
	}

	var missing []string
	for _, essential := range a.config.EssentialFields {
		if essential == "統合氏名" && mapped["姓"] && mapped["名"] {
			continue
		}
		if (essential == "姓" || essential == "名") && mapped["統合氏名"] {
			continue
		}
		if !mapped[essential] {
			missing = append(missing, essential)
		}
	}

	seen := map[string]string{}
	var duplicates []string
	for _, asn := range assignments {
		if asn.Value == "" {
			continue
		}
		if existing, ok := seen[asn.Value]; ok && existing != "メールアドレス" && asn.FieldName != "email_confirm" {
			duplicates = append(duplicates, asn.Value)
			continue
		}
		seen[asn.Value] = asn.FieldName
	}

	return ValidationResult{
		OK:              len(missing) == 0 && len(duplicates) == 0,
		MissingFields:   missing,
		DuplicateValues: duplicates,
	}
}
