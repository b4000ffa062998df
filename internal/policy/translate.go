package policy

import "strings"

// translateCondition rewrites the word operators and, or, and not into
// CEL's &&, ||, and ! so rule files can use either form. The rewrite works
// on whole words outside string literals; and/or/not appearing as field
// names (data.or) or inside quotes pass through untouched. Operator
// precedence and short-circuiting are then CEL's own, so a compound
// condition is parsed as a whole before any comparison inside it runs.
func translateCondition(cond string) string {
	var b strings.Builder
	b.Grow(len(cond))
	i := 0
	for i < len(cond) {
		c := cond[i]
		switch {
		case c == '\'' || c == '"':
			j := i + 1
			for j < len(cond) {
				if cond[j] == '\\' && j+1 < len(cond) {
					j += 2
					continue
				}
				if cond[j] == c {
					j++
					break
				}
				j++
			}
			b.WriteString(cond[i:j])
			i = j
		case isWordByte(c):
			j := i
			for j < len(cond) && isWordByte(cond[j]) {
				j++
			}
			word := cond[i:j]
			prevDot := i > 0 && cond[i-1] == '.'
			nextDot := j < len(cond) && cond[j] == '.'
			if !prevDot && !nextDot {
				switch word {
				case "and":
					word = "&&"
				case "or":
					word = "||"
				case "not":
					word = "!"
				}
			}
			b.WriteString(word)
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func isWordByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
