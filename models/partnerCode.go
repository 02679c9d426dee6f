package models

import (
	"regexp"
	"strings"
)

var (
	ltCompanyCodeRe = regexp.MustCompile(`^(\d{7}|\d{9})$`)

	euVATRe = regexp.MustCompile(`^(` + strings.Join([]string{
		`ATU\d{8}`,
		`BE[01]\d{9}`,
		`BG\d{9,10}`,
		`CY\d{8}[A-Z]`,
		`CZ\d{8,10}`,
		`DE\d{9}`,
		`DK\d{8}`,
		`EE\d{9}`,
		`EL\d{9}`,
		`ES[A-Z0-9]\d{7}[A-Z0-9]`,
		`FI\d{8}`,
		`FR[A-Z0-9]{2}\d{9}`,
		`HR\d{11}`,
		`HU\d{8}`,
		`IE\d{7}[A-Z]{1,2}`,
		`IE\d[A-Z]\d{5}[A-Z]`,
		`IT\d{11}`,
		`LT(\d{9}|\d{12})`,
		`LU\d{8}`,
		`LV\d{11}`,
		`MT\d{8}`,
		`NL\d{9}B\d{2}`,
		`PL\d{10}`,
		`PT\d{9}`,
		`RO\d{2,10}`,
		`SE\d{12}`,
		`SI\d{8}`,
		`SK\d{10}`,
		`XI\d{9}`,
	}, "|") + `)$`)

	placeholderCodes = map[string]struct{}{
		"NERA":      {},
		"NEZINOMA":  {},
		"NEZINOMAS": {},
		"UNKNOWN":   {},
		"NONE":      {},
		"NULL":      {},
		"TEST":      {},
		"TESTAS":    {},
		"XXXXXXX":   {},
		"1234567":   {},
		"123456789": {},
		"0000000":   {},
		"000000000": {},
	}
)

// NormalizePartnerCode keeps ASCII letters and digits, upper-cased.
func NormalizePartnerCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.ToUpper(code) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// passesSanity rejects short codes, obvious placeholders and single repeated characters.
func passesSanity(code string) bool {
	if len(code) < 7 {
		return false
	}
	if _, ok := placeholderCodes[code]; ok {
		return false
	}
	return strings.Count(code, code[:1]) != len(code)
}

func IsValidLTCompanyCode(code string) bool {
	return ltCompanyCodeRe.MatchString(NormalizePartnerCode(code))
}

func IsValidEUVAT(vat string) bool {
	return euVATRe.MatchString(NormalizePartnerCode(vat))
}

// IsValidPartnerCode accepts a Lithuanian registration number or any EU VAT number.
func IsValidPartnerCode(code string) bool {
	n := NormalizePartnerCode(code)
	if !passesSanity(n) {
		return false
	}
	return IsValidLTCompanyCode(n) || IsValidEUVAT(n)
}

// PartnerCodeErrors is materialised into partners.has_code_errors.
func PartnerCodeErrors(code, vatCode string) bool {
	if !IsValidPartnerCode(code) {
		return true
	}
	if strings.TrimSpace(vatCode) == "" {
		return false
	}
	n := NormalizePartnerCode(vatCode)
	return !passesSanity(n) || !IsValidEUVAT(n)
}
