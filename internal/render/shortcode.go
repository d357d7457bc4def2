package render

import (
	"errors"
	"regexp"

	"github.com/kjstillabower/location-weather/internal/validation"
)

// ShortcodeTag is the tag pages use to embed a widget: [location-weather id="london-home"].
const ShortcodeTag = "location-weather"

var (
	// ErrNoShortcode is returned when the text holds no location-weather shortcode.
	ErrNoShortcode = errors.New("no location-weather shortcode")

	shortcodePattern = regexp.MustCompile(`\[` + regexp.QuoteMeta(ShortcodeTag) + `\s+([^\]]*)\]`)
	idAttrPattern    = regexp.MustCompile(`(?:^|\s)id\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"']+))`)
)

// ParseShortcode extracts the widget id from the first location-weather shortcode in text.
// The id is validated like ids arriving over the AJAX endpoint.
func ParseShortcode(text string) (string, error) {
	m := shortcodePattern.FindStringSubmatch(text)
	if m == nil {
		return "", ErrNoShortcode
	}
	attr := idAttrPattern.FindStringSubmatch(m[1])
	if attr == nil {
		return "", validation.ErrWidgetIDEmpty
	}
	raw := attr[1] + attr[2] + attr[3]
	return validation.ValidateWidgetID(raw)
}
