package tokenizer

import "strings"

type textPart struct {
	text      string
	isSpecial bool
}

func sortLongestFirst(specials []string) {
	for i := 1; i < len(specials); i++ {
		j := i
		for j > 0 && len(specials[j]) > len(specials[j-1]) {
			specials[j], specials[j-1] = specials[j-1], specials[j]
			j--
		}
	}
}

// splitOnSpecials cuts text around occurrences of special-token text.
// specials must be sorted longest first.
func splitOnSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 {
		return []textPart{{text: text}}
	}
	var parts []textPart
	start := 0
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match == "" {
			i++
			continue
		}
		if start < i {
			parts = append(parts, textPart{text: text[start:i]})
		}
		parts = append(parts, textPart{text: match, isSpecial: true})
		i += len(match)
		start = i
	}
	if start < len(text) {
		parts = append(parts, textPart{text: text[start:]})
	}
	return parts
}
