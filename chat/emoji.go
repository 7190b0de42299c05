package chat

import "strings"

// maxBigEmojiUnits is how many emoji a message may contain and still be
// rendered oversized.
const maxBigEmojiUnits = 3

// IsBigEmoji reports whether a trimmed message body is a short emoji-only
// string that should be sent as kind emoji-big. This is a best-effort
// classifier: flag sequences and modifier-heavy compositions may slip either
// way, and nothing downstream depends on the answer being exact.
func IsBigEmoji(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}

	units := 0
	prevEmoji := false
	for _, r := range s {
		switch {
		case isEmojiJoiner(r):
			// Modifiers and joiners extend the previous emoji, they do
			// not start a new unit. Standalone they disqualify.
			if !prevEmoji {
				return false
			}
		case isEmojiRune(r):
			units++
			prevEmoji = true
		default:
			return false
		}
		if units > maxBigEmojiUnits {
			return false
		}
	}
	return units > 0
}

func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1F5FF: // symbols and pictographs
		return true
	case r >= 0x1F600 && r <= 0x1F64F: // emoticons
		return true
	case r >= 0x1F680 && r <= 0x1F6FF: // transport
		return true
	case r >= 0x1F900 && r <= 0x1F9FF: // supplemental symbols
		return true
	case r >= 0x1FA70 && r <= 0x1FAFF: // extended-A
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols and dingbats
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
		return true
	}
	return false
}

func isEmojiJoiner(r rune) bool {
	switch {
	case r == 0x200D: // zero-width joiner
		return true
	case r == 0xFE0F || r == 0xFE0E: // variation selectors
		return true
	case r >= 0x1F3FB && r <= 0x1F3FF: // skin tone modifiers
		return true
	}
	return false
}
