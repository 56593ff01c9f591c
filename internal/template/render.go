package template

import (
	"fmt"
	"strings"
)

// RenderError reports a pattern that could not be rendered: a placeholder
// with no bound variable, or malformed placeholder syntax. The whole create
// call fails on it before anything is persisted.
type RenderError struct {
	Pattern  string
	Variable string // empty for syntax errors
	Reason   string
}

func (e *RenderError) Error() string {
	if e.Variable != "" {
		return fmt.Sprintf("unknown variable {%s} in pattern %q", e.Variable, e.Pattern)
	}
	return fmt.Sprintf("malformed pattern %q: %s", e.Pattern, e.Reason)
}

// Render renders a template's title and body patterns against one variable
// map. It is all-or-nothing: if either pattern fails, both results are empty.
func Render(titlePattern, bodyPattern string, vars map[string]string) (title, body string, err error) {
	title, err = RenderPattern(titlePattern, vars)
	if err != nil {
		return "", "", err
	}
	body, err = RenderPattern(bodyPattern, vars)
	if err != nil {
		return "", "", err
	}
	return title, body, nil
}

// RenderPattern substitutes {name} placeholders from vars. Doubled braces
// ({{ and }}) are literals. Every placeholder must be bound; extra vars are
// ignored. Pure: no I/O, no shared state.
func RenderPattern(pattern string, vars map[string]string) (string, error) {
	var out strings.Builder
	out.Grow(len(pattern))

	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '{':
			if i+1 < len(pattern) && pattern[i+1] == '{' {
				out.WriteByte('{')
				i++
				continue
			}

			end := strings.IndexByte(pattern[i+1:], '}')
			if end < 0 {
				return "", &RenderError{Pattern: pattern, Reason: "unterminated placeholder"}
			}

			name := pattern[i+1 : i+1+end]
			if !validPlaceholderName(name) {
				return "", &RenderError{Pattern: pattern, Reason: fmt.Sprintf("invalid placeholder name %q", name)}
			}

			value, ok := vars[name]
			if !ok {
				return "", &RenderError{Pattern: pattern, Variable: name}
			}

			out.WriteString(value)
			i += end + 1

		case '}':
			if i+1 < len(pattern) && pattern[i+1] == '}' {
				out.WriteByte('}')
				i++
				continue
			}
			return "", &RenderError{Pattern: pattern, Reason: "unmatched '}'"}

		default:
			out.WriteByte(c)
		}
	}

	return out.String(), nil
}

func validPlaceholderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

// Placeholders lists the distinct placeholder names referenced by a pattern.
// Used by the admin template endpoints to report what a template expects.
func Placeholders(pattern string) []string {
	seen := map[string]bool{}
	names := []string{}

	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '{' {
			continue
		}
		if i+1 < len(pattern) && pattern[i+1] == '{' {
			i++
			continue
		}
		end := strings.IndexByte(pattern[i+1:], '}')
		if end < 0 {
			break
		}
		name := pattern[i+1 : i+1+end]
		if validPlaceholderName(name) && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		i += end + 1
	}

	return names
}
