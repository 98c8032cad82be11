package intent

import "unicode"

// detectLanguage is a script-level heuristic for the deterministic
// paths; the LLM envelope supplies real detection everywhere else.
func detectLanguage(text, hint string) string {
	counts := map[string]int{}
	letters := 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		switch {
		case unicode.Is(unicode.Cyrillic, r):
			counts["ru"]++
		case unicode.Is(unicode.Arabic, r):
			counts["fa"]++
		case unicode.Is(unicode.Han, r):
			counts["zh"]++
		case unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			counts["ja"]++
		case unicode.Is(unicode.Hangul, r):
			counts["ko"]++
		}
	}
	best, bestCount := "", 0
	for lang, n := range counts {
		if n > bestCount {
			best, bestCount = lang, n
		}
	}
	// A third of the letters in one script is decisive.
	if best != "" && bestCount*3 >= letters {
		return best
	}
	if hint != "" {
		return hint
	}
	return "en"
}
