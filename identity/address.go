package identity

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	streetReplacements = map[string]string{
		"street":    "st",
		"avenue":    "ave",
		"av":        "ave",
		"drive":     "dr",
		"road":      "rd",
		"boulevard": "blvd",
		"lane":      "ln",
		"court":     "ct",
		"place":     "pl",
		"circle":    "cir",
		"terrace":   "ter",
		"highway":   "hwy",
		"parkway":   "pkwy",
		"square":    "sq",
		"trail":     "trl",
		"north":     "n",
		"south":     "s",
		"east":      "e",
		"west":      "w",
		"northeast": "ne",
		"northwest": "nw",
		"southeast": "se",
		"southwest": "sw",
		"apartment": "apt",
		"suite":     "ste",
		"unit":      "unit",
		"floor":     "fl",
		"building":  "bldg",
		"#":         "unit",
	}
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nonAlnumRegex   = regexp.MustCompile(`[^a-z0-9#\s]`)
)

// NormalizeAddress lowercases, strips punctuation and abbreviates street
// vocabulary token by token.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	addr = nonAlnumRegex.ReplaceAllString(addr, " ")
	addr = strings.ReplaceAll(addr, "#", " # ")
	tokens := strings.Fields(multiSpaceRegex.ReplaceAllString(addr, " "))
	for i, tok := range tokens {
		if abbrev, ok := streetReplacements[tok]; ok {
			tokens[i] = abbrev
		}
	}
	return strings.Join(tokens, " ")
}

// NormalizeZip returns the 5-digit form of a US postal code, or "" when the
// input does not start with five digits.
func NormalizeZip(zip string) string {
	digits := make([]rune, 0, 9)
	for _, r := range strings.TrimSpace(zip) {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		} else if r != '-' && r != ' ' {
			break
		}
	}
	if len(digits) < 5 {
		return ""
	}
	return string(digits[:5])
}

func NormalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

// DedupeKey derives the logical identity of a parcel from its situs line,
// state and postal code. Empty when the line normalizes to nothing.
func DedupeKey(line, state, zip string) string {
	normalized := NormalizeAddress(line)
	if normalized == "" {
		return ""
	}
	return strings.ToLower(NormalizeState(state)) + "|" + NormalizeZip(zip) + "|" + normalized
}

// StripLocality removes a city, state and/or postal code that were glued onto
// the end of a street line. The second result reports whether anything was
// removed. At least two street tokens are always kept.
func StripLocality(line, city, state, zip string) (string, bool) {
	tokens := strings.FieldsFunc(line, func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
	orig := len(tokens)

	zip5 := NormalizeZip(zip)
	if zip5 != "" && len(tokens) > 2 && NormalizeZip(tokens[len(tokens)-1]) == zip5 {
		tokens = tokens[:len(tokens)-1]
	}

	st := NormalizeState(state)
	if st != "" && len(tokens) > 2 && strings.EqualFold(tokens[len(tokens)-1], st) {
		tokens = tokens[:len(tokens)-1]
	}

	cityTokens := strings.Fields(NormalizeAddress(city))
	if n := len(cityTokens); n > 0 && len(tokens)-n >= 2 {
		tail := NormalizeAddress(strings.Join(tokens[len(tokens)-n:], " "))
		if tail == strings.Join(cityTokens, " ") {
			tokens = tokens[:len(tokens)-n]
		}
	}

	if len(tokens) == orig {
		return strings.Join(strings.Fields(line), " "), false
	}
	return strings.Join(tokens, " "), true
}
