package storage

// MatchPattern reports whether str matches a Redis glob pattern. It supports
// '*', '?', character classes such as [abc], [^a] and [a-z], and backslash
// escapes. An empty pattern matches everything, as KEYS with no pattern does.
func MatchPattern(str, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return matchGlob(str, pattern)
}

func matchGlob(str, pattern string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(str); i++ {
				if matchGlob(str[i:], pattern[1:]) {
					return true
				}
			}
			return false

		case '?':
			if len(str) == 0 {
				return false
			}
			str = str[1:]
			pattern = pattern[1:]

		case '[':
			if len(str) == 0 {
				return false
			}
			matched, rest, ok := matchClass(str[0], pattern[1:])
			if !ok || !matched {
				return false
			}
			str = str[1:]
			pattern = rest

		case '\\':
			if len(pattern) >= 2 {
				pattern = pattern[1:]
			}
			fallthrough

		default:
			if len(str) == 0 || str[0] != pattern[0] {
				return false
			}
			str = str[1:]
			pattern = pattern[1:]
		}
	}
	return len(str) == 0
}

// matchClass matches c against a character class body (the text after
// '['). It returns the pattern remaining after the closing ']'.
func matchClass(c byte, pattern string) (matched bool, rest string, ok bool) {
	negate := false
	if len(pattern) > 0 && pattern[0] == '^' {
		negate = true
		pattern = pattern[1:]
	}

	for len(pattern) > 0 && pattern[0] != ']' {
		switch {
		case pattern[0] == '\\' && len(pattern) >= 2:
			if pattern[1] == c {
				matched = true
			}
			pattern = pattern[2:]
		case len(pattern) >= 3 && pattern[1] == '-' && pattern[2] != ']':
			lo, hi := pattern[0], pattern[2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				matched = true
			}
			pattern = pattern[3:]
		default:
			if pattern[0] == c {
				matched = true
			}
			pattern = pattern[1:]
		}
	}
	if len(pattern) == 0 {
		// unterminated class
		return false, "", false
	}
	if negate {
		matched = !matched
	}
	return matched, pattern[1:], true
}
