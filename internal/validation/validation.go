package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minSKULength        = 3
	maxSKULength        = 50
	maxRedoInstructions = 500
)

var skuPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// markupPatterns reject anything that looks like embedded HTML or script,
// since redo instructions end up inside prompts shown back to operators.
var markupPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`<\w+`),
	regexp.MustCompile(`>\w+`),
}

// Error is a recoverable bad-input error. The caller can correct the input
// and retry; nothing has been persisted.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SKU validates a product code: 3-50 chars, letters, numbers, dash, underscore.
func SKU(sku string) error {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return &Error{Field: "product code", Reason: "cannot be empty"}
	}
	if len(sku) < minSKULength {
		return &Error{Field: "product code", Reason: fmt.Sprintf("must be at least %d characters", minSKULength)}
	}
	if len(sku) > maxSKULength {
		return &Error{Field: "product code", Reason: fmt.Sprintf("cannot exceed %d characters", maxSKULength)}
	}
	if !skuPattern.MatchString(sku) {
		return &Error{Field: "product code", Reason: "only letters, numbers, dashes and underscores are allowed"}
	}
	return nil
}

// RedoInstructions validates operator-supplied redo text.
func RedoInstructions(instructions string) error {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return &Error{Field: "redo instructions", Reason: "cannot be empty"}
	}
	if utf8.RuneCountInString(instructions) > maxRedoInstructions {
		return &Error{Field: "redo instructions", Reason: fmt.Sprintf("cannot exceed %d characters", maxRedoInstructions)}
	}
	for _, p := range markupPatterns {
		if p.MatchString(instructions) {
			return &Error{Field: "redo instructions", Reason: "contains potentially unsafe content"}
		}
	}
	return nil
}
