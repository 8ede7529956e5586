package config

import "strings"

// LookupFunc resolves a variable name, reporting whether it was set.
type LookupFunc func(name string) (string, bool)

type reference struct {
	varName      string
	defaultValue string
}

func findClosingBrace(input string, start int) int {
	braceCount := 1
	for i := start; i < len(input); i++ {
		if input[i] == '{' {
			braceCount++
		} else if input[i] == '}' {
			braceCount--
			if braceCount == 0 {
				if strings.Contains(input[start:i], "}") {
					return -1
				}
				return i
			}
		}
	}
	return -1
}

func parseReference(ref string) reference {
	inner := ref[2 : len(ref)-1]
	parts := strings.SplitN(inner, ":-", 2)
	r := reference{varName: parts[0]}
	if len(parts) > 1 {
		r.defaultValue = parts[1]
	}
	return r
}

// Interpolate replaces ${VAR} and ${VAR:-default} references in the input.
// An unset variable with no default leaves the reference in place, so the
// resulting parse error names the missing variable instead of silently
// producing an empty field. Malformed references are preserved as-is.
func Interpolate(input string, lookup LookupFunc) string {
	if input == "" {
		return input
	}
	if strings.Count(input, "${") != strings.Count(input, "}") {
		return input
	}

	var result strings.Builder
	lastPos := 0

	for i := 0; i < len(input); i++ {
		if i+1 < len(input) && input[i] == '$' && input[i+1] == '{' {
			result.WriteString(input[lastPos:i])

			end := findClosingBrace(input, i+2)
			if end == -1 {
				result.WriteString(input[i:])
				return result.String()
			}

			refStr := input[i : end+1]
			ref := parseReference(refStr)

			if ref.varName == "" {
				result.WriteString("${}")
				i = end
				lastPos = end + 1
				continue
			}

			val, exists := lookup(ref.varName)
			switch {
			case exists && val != "":
				result.WriteString(val)
			case ref.defaultValue != "":
				result.WriteString(ref.defaultValue)
			default:
				result.WriteString(refStr)
			}

			i = end
			lastPos = end + 1
		}
	}

	result.WriteString(input[lastPos:])
	return result.String()
}
