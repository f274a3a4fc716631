package money

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Currency is the display code appended by Format.
const Currency = "FCFA"

var printer = message.NewPrinter(language.French)

// Format renders an amount for human-readable messages, e.g. "150 000 FCFA" or
// "1 234,56 FCFA". Whole amounts drop the fractional part the way FCFA is usually
// written. Digits come from the decimal value, never from a float.
func Format(a Amount) string {
	rounded := a.Cents()
	sign := ""
	if rounded.IsNegative() {
		sign = "-"
		rounded = rounded.Abs()
	}
	out := sign + printer.Sprintf("%d", rounded.d.IntPart())
	fixed := rounded.d.StringFixed(Scale)
	if frac := fixed[strings.IndexByte(fixed, '.')+1:]; strings.Trim(frac, "0") != "" {
		out += "," + frac
	}
	return out + " " + Currency
}
