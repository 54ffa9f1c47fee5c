package config

import (
	"fmt"
	"os"
	"strings"
)

// ExpandEnv replaces $(VAR) and ${VAR} placeholders with environment
// variable values. $$ yields a literal $. Any other $ (including the $.
// JSONPath prefix) passes through untouched. A referenced variable that
// is unset is an error; a variable set to the empty string substitutes
// as empty.
func ExpandEnv(content string) (string, error) {
	var out strings.Builder
	out.Grow(len(content))

	for i := 0; i < len(content); i++ {
		ch := content[i]
		if ch != '$' {
			out.WriteByte(ch)
			continue
		}

		if i+1 >= len(content) {
			out.WriteByte(ch)
			break
		}

		switch content[i+1] {
		case '$':
			out.WriteByte('$')
			i++
		case '(', '{':
			open := content[i+1]
			close := byte(')')
			if open == '{' {
				close = '}'
			}
			end := strings.IndexByte(content[i+2:], close)
			if end < 0 {
				return "", fmt.Errorf("unterminated placeholder at offset %d", i)
			}
			name := content[i+2 : i+2+end]
			if name == "" {
				return "", fmt.Errorf("empty placeholder at offset %d", i)
			}
			value, ok := os.LookupEnv(name)
			if !ok {
				return "", fmt.Errorf("environment variable %s is not set", name)
			}
			out.WriteString(value)
			i += 2 + end
		default:
			// $. and any other bare $ pass through
			out.WriteByte(ch)
		}
	}

	return out.String(), nil
}
