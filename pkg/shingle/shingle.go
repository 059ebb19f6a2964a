package shingle

import (
	"strings"
	"unicode"
)

// Tokenize strips every whitespace rune from text and returns all
// overlapping character bigrams followed by all overlapping trigrams.
// No word segmentation is attempted, which keeps the tokenizer usable for
// Korean and other scripts without reliable whitespace boundaries.
func Tokenize(text string) []string {
	runes := compact(text)
	if len(runes) == 0 {
		return nil
	}

	grams := make([]string, 0, 2*len(runes))
	grams = appendGrams(grams, runes, 2)
	grams = appendGrams(grams, runes, 3)
	return grams
}

// Grams returns the overlapping n-grams of text after whitespace removal.
func Grams(text string, n int) []string {
	if n <= 0 {
		return nil
	}
	return appendGrams(nil, compact(text), n)
}

func compact(text string) []rune {
	return []rune(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text))
}

func appendGrams(dst []string, runes []rune, n int) []string {
	for i := 0; i+n <= len(runes); i++ {
		dst = append(dst, string(runes[i:i+n]))
	}
	return dst
}
