// Package template stores reusable prompt templates and performs variable
// substitution. Slash commands that are not in the deterministic catalog
// resolve against this registry, and the distinguished "router" template
// wraps free-form messages.
package template

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested template does not exist.
var ErrNotFound = errors.New("template not found")

// Template is a named markdown prompt body with $N / $ARGUMENTS placeholders.
type Template struct {
	// ID is the unique identifier for this template record.
	ID string `json:"id"`

	// Name is the slash-command name the template answers to, unique.
	Name string `json:"name"`

	// Description is a one-line summary shown by /template-list.
	Description string `json:"description,omitempty"`

	// Content is the raw markdown prompt body.
	Content string `json:"content"`

	// Builtin marks templates seeded from the embedded set. They are
	// re-seeded on startup, so deleting one only lasts until restart.
	Builtin bool `json:"builtin"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Substitute expands placeholders in a template body:
//
//  1. $N (N in 1..9) becomes args[N-1], or empty when missing.
//  2. $ARGUMENTS becomes all args joined by single spaces.
//  3. \$ becomes a literal $ — evaluated after the rules above, so a
//     backslash does not shield a substituting sequence.
//  4. Every other $-sequence is left untouched.
//
// The scan is a single left-to-right pass; substituted values are never
// re-scanned, which keeps the function idempotent once no $N or $ARGUMENTS
// remain.
func Substitute(text string, args []string) string {
	const arguments = "$ARGUMENTS"

	var b strings.Builder
	b.Grow(len(text))

	for i := 0; i < len(text); i++ {
		c := text[i]

		if c == '\\' && i+1 < len(text) && text[i+1] == '$' {
			if substitutes(text[i+1:], arguments) {
				// The $-sequence is consumed by rule 1 or 2 first; the
				// backslash stays literal.
				b.WriteByte('\\')
				continue
			}
			b.WriteByte('$')
			i++
			continue
		}

		if c == '$' {
			if i+1 < len(text) && text[i+1] >= '1' && text[i+1] <= '9' {
				if n := int(text[i+1] - '1'); n < len(args) {
					b.WriteString(args[n])
				}
				i++
				continue
			}
			if strings.HasPrefix(text[i:], arguments) {
				b.WriteString(strings.Join(args, " "))
				i += len(arguments) - 1
				continue
			}
		}

		b.WriteByte(c)
	}
	return b.String()
}

// substitutes reports whether s starts with a $-sequence that rules 1 or 2
// would replace.
func substitutes(s, arguments string) bool {
	if len(s) >= 2 && s[0] == '$' && s[1] >= '1' && s[1] <= '9' {
		return true
	}
	return strings.HasPrefix(s, arguments)
}
