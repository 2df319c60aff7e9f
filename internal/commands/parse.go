// Package commands parses slash commands and dispatches the deterministic
// catalog: repository management, worktree lifecycle, template CRUD and
// conversation state. Slash commands outside the catalog resolve against
// the template registry in the orchestrator instead.
package commands

import "strings"

// Parse splits a message like
//
//	/cmd arg1 "two words" 'more words'
//
// into a lowercase command name (without the slash) and its arguments.
// Single and double quotes group whitespace; quotes are stripped from the
// resulting argument. Returns ok=false when the text is not a slash
// command.
func Parse(text string) (name string, args []string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 2 || trimmed[0] != '/' {
		return "", nil, false
	}

	tokens := tokenize(trimmed)
	if len(tokens) == 0 {
		return "", nil, false
	}

	name = strings.ToLower(strings.TrimPrefix(tokens[0], "/"))
	if name == "" || !validName(name) {
		return "", nil, false
	}
	if len(tokens) > 1 {
		args = tokens[1:]
	}
	return name, args, true
}

// tokenize splits on whitespace outside quotes. An unterminated quote
// extends to the end of the text.
func tokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	var quote byte
	inToken := false

	flush := func() {
		if inToken {
			tokens = append(tokens, current.String())
			current.Reset()
			inToken = false
		}
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '"' || c == '\'':
			quote = c
			inToken = true
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			flush()
		default:
			current.WriteByte(c)
			inToken = true
		}
	}
	flush()
	return tokens
}

// validName accepts lowercase command names made of letters, digits and
// hyphens.
func validName(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}
