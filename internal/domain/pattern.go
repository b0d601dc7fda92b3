package domain

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MinUsernameLength is the shortest username a pattern can be derived from.
	MinUsernameLength = 7

	patternPrefixLen = 4
	patternSuffixLen = 3
	patternSeparator = ".."
)

var observationPatternRe = regexp.MustCompile(`^[A-Za-z0-9]{4}\.\.[A-Za-z0-9]{3}$`)

// CanonicalPattern derives the primary queue token: the first four characters,
// "..", then the last three characters of the username.
func CanonicalPattern(username string) (string, error) {
	runes := []rune(username)
	if len(runes) < MinUsernameLength {
		return "", fmt.Errorf("%w: need at least %d characters, got %d", ErrInvalidUsername, MinUsernameLength, len(runes))
	}

	return string(runes[:patternPrefixLen]) + patternSeparator + string(runes[len(runes)-patternSuffixLen:]), nil
}

// AlternativePattern derives the secondary token: the first four characters,
// "..", then the three characters ending one before the last. The widget
// sometimes truncates one character early, which this catches.
func AlternativePattern(username string) (string, bool) {
	runes := []rune(username)
	if len(runes) < MinUsernameLength {
		return "", false
	}

	end := len(runes) - 1
	return string(runes[:patternPrefixLen]) + patternSeparator + string(runes[end-patternSuffixLen:end]), true
}

// PatternKey folds a pattern for case-insensitive comparison and storage.
func PatternKey(pattern string) string {
	return foldKey(pattern)
}

func foldKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// ValidObservationPattern reports whether p has the abcd..xyz shape the queue
// widget renders.
func ValidObservationPattern(p string) bool {
	return observationPatternRe.MatchString(p)
}
