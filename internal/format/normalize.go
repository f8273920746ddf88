// Package format renders a persisted transcription result into the
// negotiated response form: the cleaned JSON document, plain text, or
// VTT/SRT subtitles.
package format

import (
	"regexp"
	"strconv"
	"strings"
)

// Substitution is one user-supplied replacement applied to rendered text.
// Pattern is a regular expression.
type Substitution struct {
	Pattern     string
	Replacement string
}

var (
	guillemets       = regexp.MustCompile(`([«»])`)
	spaceBeforePunct = regexp.MustCompile(`\s+([?!:;,.])`)
	frDoublePunct    = regexp.MustCompile(`([?!:;])`)
	frSimplePunct    = regexp.MustCompile(`\s+([,.])`)
	multiSpace       = regexp.MustCompile(`\s+`)
)

// CleanText applies language-specific typography rules, then the user's
// substitutions, then collapses duplicate whitespace. French keeps a space
// before double punctuation marks; every other language removes it.
func CleanText(text, language string, subs []Substitution) string {
	if strings.HasPrefix(language, "fr") {
		text = guillemets.ReplaceAllString(text, " $1 ")
		text = frDoublePunct.ReplaceAllString(text, " $1")
		text = frSimplePunct.ReplaceAllString(text, "$1")
	} else {
		text = guillemets.ReplaceAllString(text, " $1 ")
		text = spaceBeforePunct.ReplaceAllString(text, "$1")
	}
	for _, sub := range subs {
		re, err := regexp.Compile(sub.Pattern)
		if err != nil {
			continue
		}
		text = re.ReplaceAllString(text, sub.Replacement)
	}
	return strings.TrimSpace(multiSpace.ReplaceAllString(text, " "))
}

// wordPunct matches punctuation and symbols that should not survive at word
// boundaries. Apostrophes, hyphens, underscores, currency signs and a few
// word-forming symbols are kept.
var (
	leadingWordPunct  = regexp.MustCompile(`^[^\w\p{Sc}'\-_%+×#@&²³½]+`)
	trailingWordPunct = regexp.MustCompile(`[^\w\p{Sc}'\-_%+×#@&²³½]+$`)
)

// StripWordPunctuation removes leading and trailing punctuation from a
// single word, leaving inner marks (dots in "ab@example.com") alone. A word
// reduced to nothing comes back empty.
func StripWordPunctuation(text string) string {
	text = strings.TrimSpace(text)
	text = leadingWordPunct.ReplaceAllString(text, "")
	text = trailingWordPunct.ReplaceAllString(text, "")
	// A stray space means the decoder glued two tokens; keep the first
	// word-like half.
	if i := strings.IndexByte(text, ' '); i >= 0 {
		return StripWordPunctuation(text[:i])
	}
	return text
}

// Small number vocabularies for digit conversion. Only plain cardinals up to
// ninety-nine are handled; anything more elaborate passes through untouched.
var numberWords = map[string]map[string]int{
	"en": {
		"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4,
		"five": 5, "six": 6, "seven": 7, "eight": 8, "nine": 9,
		"ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13,
		"fourteen": 14, "fifteen": 15, "sixteen": 16, "seventeen": 17,
		"eighteen": 18, "nineteen": 19,
	},
	"fr": {
		"zéro": 0, "un": 1, "deux": 2, "trois": 3, "quatre": 4,
		"cinq": 5, "six": 6, "sept": 7, "huit": 8, "neuf": 9,
		"dix": 10, "onze": 11, "douze": 12, "treize": 13,
		"quatorze": 14, "quinze": 15, "seize": 16,
	},
}

var tensWords = map[string]map[string]int{
	"en": {
		"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
		"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
	},
	"fr": {
		"vingt": 20, "trente": 30, "quarante": 40, "cinquante": 50,
		"soixante": 60,
	},
}

// ConvertNumbers rewrites small spelled-out cardinals as digits, combining a
// tens word with a following unit ("twenty one" → "21"). Unknown languages
// pass through unchanged.
func ConvertNumbers(text, language string) string {
	lang := language
	if len(lang) > 2 {
		lang = lang[:2]
	}
	units, ok := numberWords[lang]
	if !ok {
		return text
	}
	tens := tensWords[lang]

	tokens := strings.Fields(text)
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		lower := strings.ToLower(tokens[i])
		trailing := ""
		if n := len(lower); n > 0 && strings.ContainsRune(".,;:!?", rune(lower[n-1])) {
			trailing = lower[n-1:]
			lower = lower[:n-1]
		}
		lower = strings.ReplaceAll(lower, "-", " ")
		if parts := strings.Fields(lower); len(parts) == 2 {
			if t, ok := tens[parts[0]]; ok {
				if u, ok := units[parts[1]]; ok && u > 0 && u < 10 {
					out = append(out, strconv.Itoa(t+u)+trailing)
					continue
				}
			}
		}
		if t, ok := tens[lower]; ok {
			if i+1 < len(tokens) {
				if u, ok := units[strings.ToLower(tokens[i+1])]; ok && u > 0 && u < 10 {
					out = append(out, strconv.Itoa(t+u))
					i++
					continue
				}
			}
			out = append(out, strconv.Itoa(t)+trailing)
			continue
		}
		if u, ok := units[lower]; ok {
			out = append(out, strconv.Itoa(u)+trailing)
			continue
		}
		out = append(out, tokens[i])
	}
	return strings.Join(out, " ")
}
