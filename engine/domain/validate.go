package domain

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxQuestionRunes bounds the normalized question length.
const MaxQuestionRunes = 1000

const (
	LangArabic  = "ar"
	LangEnglish = "en"
)

const (
	questionMark       = '?'
	arabicQuestionMark = '؟'
)

// terminal punctuation that already closes a question or statement.
var terminators = map[rune]bool{
	questionMark:       true,
	arabicQuestionMark: true,
	'.':                true,
	'!':                true,
}

// NormalizeQuestion canonicalizes raw input: whitespace runs collapse to one
// space, the text is trimmed, and a language-appropriate question mark is
// appended when the text lacks terminal punctuation. It is pure, and applying
// it to its own output returns the same string.
func NormalizeQuestion(raw string) (string, error) {
	text := strings.Join(strings.Fields(raw), " ")
	if text == "" {
		return "", NewValidationError("question", raw, ErrEmptyQuestion)
	}

	last, _ := utf8.DecodeLastRuneInString(text)
	if !terminators[last] {
		if DetectLanguage(text) == LangArabic {
			text += string(arabicQuestionMark)
		} else {
			text += string(questionMark)
		}
	}

	if utf8.RuneCountInString(text) > MaxQuestionRunes {
		return "", NewValidationError("question", truncate(text, 64), ErrQuestionTooLong)
	}
	return text, nil
}

// DetectLanguage returns LangArabic when text contains any Arabic letter,
// LangEnglish otherwise.
func DetectLanguage(text string) string {
	for _, r := range text {
		if unicode.Is(unicode.Arabic, r) && unicode.IsLetter(r) {
			return LangArabic
		}
	}
	return LangEnglish
}

// ValidateThresholds checks 0 < salvage <= search < quality <= 1.
func ValidateThresholds(search, quality, salvage float64) error {
	switch {
	case salvage <= 0:
		return fmt.Errorf("%w: salvage threshold %.2f must be positive", ErrInvalidThresholds, salvage)
	case salvage > search:
		return fmt.Errorf("%w: salvage threshold %.2f above search threshold %.2f", ErrInvalidThresholds, salvage, search)
	case quality <= search:
		return fmt.Errorf("%w: quality threshold %.2f must exceed search threshold %.2f", ErrInvalidThresholds, quality, search)
	case quality > 1:
		return fmt.Errorf("%w: quality threshold %.2f above 1", ErrInvalidThresholds, quality)
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
