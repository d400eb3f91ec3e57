package cache

// MatchPattern reports whether key matches pattern, where '*' matches any
// run of characters (including none) and every other byte is literal.
func MatchPattern(pattern, key string) bool {
	p, k := 0, 0
	star, mark := -1, 0

	for k < len(key) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = k
			p++
		case p < len(pattern) && pattern[p] == key[k]:
			p++
			k++
		case star >= 0:
			// backtrack: let the last star swallow one more byte
			p = star + 1
			mark++
			k = mark
		default:
			return false
		}
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
