package validation

import (
	"errors"
	"strings"
	"unicode"
)

// MaxWidgetIDLength bounds widget identifiers accepted from clients.
const MaxWidgetIDLength = 64

// ErrWidgetIDEmpty is returned when the widget id is empty or whitespace-only after trim.
var ErrWidgetIDEmpty = errors.New("widget id is required")

// ErrWidgetIDTooLong is returned when the widget id exceeds MaxWidgetIDLength.
var ErrWidgetIDTooLong = errors.New("widget id too long")

// ErrWidgetIDInvalidChars is returned when the widget id contains anything but ASCII letters, digits, '-' or '_'.
var ErrWidgetIDInvalidChars = errors.New("widget id contains invalid characters")

// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooShort is returned when location length is below the minimum.
var ErrLocationTooShort = errors.New("location too short")

// ErrLocationTooLong is returned when location length exceeds the maximum.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when location contains disallowed characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

// ErrCoordinatesOutOfRange is returned for latitudes outside [-90, 90] or longitudes outside [-180, 180].
var ErrCoordinatesOutOfRange = errors.New("coordinates out of range")

// ValidateWidgetID trims the input and checks it against the widget id format.
// Returns the trimmed id or an error suitable for 400 INVALID_WIDGET_ID responses.
func ValidateWidgetID(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrWidgetIDEmpty
	}
	if len(s) > MaxWidgetIDLength {
		return "", ErrWidgetIDTooLong
	}
	for i := 0; i < len(s); i++ {
		if !isAllowedWidgetIDByte(s[i]) {
			return "", ErrWidgetIDInvalidChars
		}
	}
	return s, nil
}

func isAllowedWidgetIDByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_':
		return true
	}
	return false
}

// ValidateLocation trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to allowed characters: letters (Unicode), digits, space, comma, hyphen, period.
// Normalization (e.g. lowercase) is left to the cache key builder.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrLocationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.':
		return true
	}
	return false
}

// ValidateCoordinates checks latitude and longitude ranges.
func ValidateCoordinates(lat, lon float64) error {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return ErrCoordinatesOutOfRange
	}
	return nil
}
