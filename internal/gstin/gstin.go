// Package gstin validates Goods and Services Tax identification numbers.
package gstin

import (
	"fmt"
	"strings"
)

// Reason classifies why a GSTIN failed validation.
type Reason string

const (
	ReasonWrongLength      Reason = "WRONG_LENGTH"
	ReasonInvalidStateCode Reason = "INVALID_STATE_CODE"
	ReasonInvalidFormat    Reason = "INVALID_FORMAT"
	ReasonInvalidChecksum  Reason = "INVALID_CHECKSUM"
)

// ValidationError reports a structurally invalid GSTIN.
type ValidationError struct {
	GSTIN  string
	Reason Reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gstin %q invalid: %s", e.GSTIN, e.Reason)
}

// charset maps mod-36 code points to their characters.
const charset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Config controls validator behaviour.
type Config struct {
	// SkipChecksum accepts GSTINs that are structurally valid but carry a
	// wrong check character. Some provisional registrations in GSTR-2B
	// feeds fail the statutory checksum.
	SkipChecksum bool
}

// Validator performs structural and checksum validation of GSTINs.
type Validator struct {
	skipChecksum bool
}

// NewValidator constructs a Validator.
func NewValidator(cfg Config) *Validator {
	return &Validator{skipChecksum: cfg.SkipChecksum}
}

// Normalize upper-cases and trims a GSTIN for keying and comparison.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// StateCode returns the two-digit state code prefix, or "" when the input
// is too short.
func StateCode(s string) string {
	s = Normalize(s)
	if len(s) < 2 {
		return ""
	}
	return s[:2]
}

// Validate checks a 15-character GSTIN. It returns nil for a valid number
// and a *ValidationError carrying a reason code otherwise.
func (v *Validator) Validate(s string) error {
	g := Normalize(s)
	if len(g) != 15 {
		return &ValidationError{GSTIN: s, Reason: ReasonWrongLength}
	}
	if !validStateCode(g[:2]) {
		return &ValidationError{GSTIN: s, Reason: ReasonInvalidStateCode}
	}
	// Characters 3-12 follow PAN structure: 5 letters, 4 digits, 1 letter.
	for i := 2; i < 7; i++ {
		if !isLetter(g[i]) {
			return &ValidationError{GSTIN: s, Reason: ReasonInvalidFormat}
		}
	}
	for i := 7; i < 11; i++ {
		if !isDigit(g[i]) {
			return &ValidationError{GSTIN: s, Reason: ReasonInvalidFormat}
		}
	}
	if !isLetter(g[11]) {
		return &ValidationError{GSTIN: s, Reason: ReasonInvalidFormat}
	}
	// Character 13 is the entity code, any base-36 character.
	if !isBase36(g[12]) {
		return &ValidationError{GSTIN: s, Reason: ReasonInvalidFormat}
	}
	if g[13] != 'Z' {
		return &ValidationError{GSTIN: s, Reason: ReasonInvalidFormat}
	}
	if !isBase36(g[14]) {
		return &ValidationError{GSTIN: s, Reason: ReasonInvalidFormat}
	}
	if v.skipChecksum {
		return nil
	}
	if checksumChar(g[:14]) != g[14] {
		return &ValidationError{GSTIN: s, Reason: ReasonInvalidChecksum}
	}
	return nil
}

// validStateCode accepts the statutory state code range 01-38 plus 97
// (other territory).
func validStateCode(code string) bool {
	if !isDigit(code[0]) || !isDigit(code[1]) {
		return false
	}
	n := int(code[0]-'0')*10 + int(code[1]-'0')
	return (n >= 1 && n <= 38) || n == 97
}

// checksumChar computes the statutory mod-36 check character over the
// first 14 characters. Code points alternate between factor 1 and 2; each
// product is digit-summed in base 36 before accumulation.
func checksumChar(body string) byte {
	sum := 0
	for i := 0; i < len(body); i++ {
		cp := strings.IndexByte(charset, body[i])
		factor := 1
		if i%2 == 1 {
			factor = 2
		}
		product := cp * factor
		sum += product/36 + product%36
	}
	return charset[(36-sum%36)%36]
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return c >= 'A' && c <= 'Z' }
func isBase36(c byte) bool { return isDigit(c) || isLetter(c) }
