package assignment

import (
	"strconv"
	"strings"
)

// numberWords maps ancillary numbers 1..20 to their word forms.
var numberWords = []string{
	"One", "Two", "Three", "Four", "Five",
	"Six", "Seven", "Eight", "Nine", "Ten",
	"Eleven", "Twelve", "Thirteen", "Fourteen", "Fifteen",
	"Sixteen", "Seventeen", "Eighteen", "Nineteen", "Twenty",
}

// NumberToWord converts a number to its word form. Numbers beyond Twenty
// use a numeric suffix form ("N21").
func NumberToWord(n int) string {
	if n == 0 {
		return "Zero"
	}
	if n >= 1 && n <= len(numberWords) {
		return numberWords[n-1]
	}
	return "N" + strconv.Itoa(n)
}

// WordToNumber inverts NumberToWord. Comparison is case-insensitive.
// Returns false if the word is not a recognized number form.
func WordToNumber(word string) (int, bool) {
	if stripped, found := strings.CutPrefix(word, "N"); found {
		if n, err := strconv.Atoi(stripped); err == nil {
			return n, true
		}
	}

	if strings.EqualFold(word, "Zero") {
		return 0, true
	}
	for i, w := range numberWords {
		if strings.EqualFold(w, word) {
			return i + 1, true
		}
	}
	return 0, false
}

// AncillaryID composes an ancillary identifier from a segment name and a
// number, e.g. ("toren", 1) -> "Toren One".
func AncillaryID(segment string, number int) string {
	return capitalize(segment) + " " + NumberToWord(number)
}

// AncillaryNumber extracts the number from an ancillary ID.
func AncillaryNumber(ancillaryID string) (int, bool) {
	fields := strings.Fields(ancillaryID)
	if len(fields) == 0 {
		return 0, false
	}
	return WordToNumber(fields[len(fields)-1])
}

// AncillarySegment extracts the segment name from an ancillary ID, lowercased.
func AncillarySegment(ancillaryID string) (string, bool) {
	fields := strings.Fields(ancillaryID)
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(fields[0]), true
}

// Slug converts an ancillary ID to its filesystem slug form,
// e.g. "Toren One" -> "toren-one".
func Slug(ancillaryID string) string {
	return strings.ReplaceAll(strings.ToLower(ancillaryID), " ", "-")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
