package security

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Input errors
var (
	ErrInputTooLong      = errors.New("security: input exceeds maximum length")
	ErrNullByte          = errors.New("security: null byte in input")
	ErrInvalidUTF8       = errors.New("security: invalid UTF-8 encoding")
	ErrControlCharacters = errors.New("security: control characters in input")
)

// MaxLabelLength bounds recording labels, in bytes.
const MaxLabelLength = 1024

// MaxCommentLength bounds comment text, in bytes.
const MaxCommentLength = 16 * 1024

// ValidateText checks user-supplied text for labels and comments. Newlines
// and tabs are allowed; other control characters are not.
func ValidateText(s string, maxLen int) error {
	if maxLen > 0 && len(s) > maxLen {
		return fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(s), maxLen)
	}
	if strings.Contains(s, "\x00") {
		return ErrNullByte
	}
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return ErrControlCharacters
		}
	}
	return nil
}

// SanitizeLogOutput escapes control characters so that user text cannot
// forge log lines.
func SanitizeLogOutput(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case unicode.IsControl(r):
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
