package csvio

import (
	"fmt"
	"strings"

	"worklens/internal/core"
)

// resolveConvention returns the decimal convention for one file. A non-auto
// hint wins; otherwise the probe column's values are checked against both
// conventions. The file is rejected when both conventions accept the values
// but disagree on what they mean.
func resolveConvention(hint Convention, probe string, cols map[string]int, recs []record) (Convention, error) {
	if hint != "" && hint != ConventionAuto {
		if !hint.Valid() {
			return "", &core.MalformedInputError{Reason: fmt.Sprintf("unknown decimal convention %q", hint)}
		}
		return hint, nil
	}
	if _, ok := cols[probe]; !ok {
		return "", &core.MalformedInputError{Line: 1, Reason: fmt.Sprintf("probe column %q not found", probe)}
	}

	dotOK, commaOK := true, true
	sameValue := true
	probed := 0
	firstLine := 0
	for _, rec := range recs {
		v := strings.TrimSpace(cell(rec.fields, cols, probe))
		if v == "" {
			continue
		}
		dv, derr := parseUnder(v, ConventionDot)
		cv, cerr := parseUnder(v, ConventionComma)
		if derr != nil && cerr != nil {
			// Not numeric under either reading; reported later as a row error.
			continue
		}
		probed++
		if firstLine == 0 {
			firstLine = rec.line
		}
		if derr != nil {
			dotOK = false
		}
		if cerr != nil {
			commaOK = false
		}
		if derr == nil && cerr == nil && dv != cv {
			sameValue = false
		}
	}

	switch {
	case probed == 0:
		return ConventionDot, nil
	case dotOK && !commaOK:
		return ConventionDot, nil
	case commaOK && !dotOK:
		return ConventionComma, nil
	case dotOK && commaOK && sameValue:
		return ConventionDot, nil
	case dotOK && commaOK:
		return "", &core.MalformedInputError{
			Line:   firstLine,
			Reason: core.ErrAmbiguousDecimals.Error() + ": values parse under both dot and comma conventions with different results",
		}
	default:
		// Neither convention fits every probed value; the offending rows
		// surface as row errors under the dot default.
		return ConventionDot, nil
	}
}

func parseUnder(s string, conv Convention) (int64, error) {
	norm, err := normalizeDecimal(s, conv)
	if err != nil {
		return 0, err
	}
	return core.ParseDecimalToMilli(norm)
}

// normalizeDecimal rewrites a localized numeric string to the canonical dot
// form: thousands separators removed after validating their 3-digit
// grouping, decimal separator replaced by a dot.
func normalizeDecimal(s string, conv Convention) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", core.ErrInvalidQuantity
	}

	var thousands, decimal byte
	switch conv {
	case ConventionComma:
		thousands, decimal = '.', ','
	default:
		thousands, decimal = ',', '.'
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, decimal); i >= 0 {
		if strings.IndexByte(s[i+1:], decimal) >= 0 {
			return "", core.ErrInvalidQuantity
		}
		intPart, fracPart = s[:i], s[i+1:]
	}
	if strings.IndexByte(fracPart, thousands) >= 0 {
		return "", core.ErrInvalidQuantity
	}
	if strings.IndexByte(intPart, thousands) >= 0 {
		groups := strings.Split(intPart, string(thousands))
		if len(groups[0]) == 0 || len(groups[0]) > 3 {
			return "", core.ErrInvalidQuantity
		}
		for _, g := range groups[1:] {
			if len(g) != 3 {
				return "", core.ErrInvalidQuantity
			}
		}
		intPart = strings.Join(groups, "")
	}
	if fracPart == "" {
		return intPart, nil
	}
	return intPart + "." + fracPart, nil
}
