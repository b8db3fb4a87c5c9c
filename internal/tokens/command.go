package tokens

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/shlex"
)

// ParseCommand turns a curl command pasted from a browser's "copy as cURL" into a
// Template.
func ParseCommand(command string) (Template, error) {
	command = strings.ReplaceAll(command, "\\\r\n", " ")
	command = strings.ReplaceAll(command, "\\\n", " ")
	command = strings.TrimSpace(command)

	if !strings.HasPrefix(command, "curl") {
		return nil, fmt.Errorf("%w: the command must start with 'curl'", ErrInvalidTemplate)
	}

	parts, err := shlex.Split(command)
	if err != nil {
		parts = splitQuoted(command)
	}

	t := Template(parts)
	err = t.Validate()
	if err != nil {
		return nil, err
	}
	return t, nil
}

// splitQuoted is a forgiving splitter for commands shlex refuses (ex. unbalanced
// quotes), it splits on unquoted whitespace and strips one layer of surrounding quotes.
func splitQuoted(command string) []string {
	var parts []string
	var current strings.Builder
	var quote rune

	for _, c := range command {
		switch {
		case quote == 0 && (c == '"' || c == '\''):
			quote = c
			current.WriteRune(c)
		case quote != 0 && c == quote:
			quote = 0
			current.WriteRune(c)
		case quote == 0 && unicode.IsSpace(c):
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(c)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	for i, p := range parts {
		if len(p) >= 2 && (p[0] == '"' || p[0] == '\'') && p[len(p)-1] == p[0] {
			parts[i] = p[1 : len(p)-1]
		}
	}
	return parts
}
