package quantity

import (
	"strconv"
	"strings"
)

// Humanize shortens millicore and kibibyte strings for display.
//
// Millicores with four or more digits become a core count with one decimal
// ("2500m" -> "2.5"). Kibibytes with four to six digits become mebibytes and
// seven or more become gibibytes ("2097152Ki" -> "2.0Gi"). Anything else is
// returned unchanged. The one decimal is rounded from the float64 quotient,
// so "2150m" reads "2.1" like other tools that divide in floating point.
func Humanize(value string) string {
	number, unit := Split(value)
	if !isDigits(number) {
		return value
	}

	switch {
	case unit == Milli && len(number) >= 4:
		return oneDecimal(number, 1000)
	case unit == Kibi && len(number) >= 4 && len(number) < 7:
		return oneDecimal(number, 1<<10) + string(Mebi)
	case unit == Kibi && len(number) >= 7:
		return oneDecimal(number, 1<<20) + string(Gibi)
	}
	return value
}

func oneDecimal(number string, divisor int64) string {
	f, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return number
	}
	return strconv.FormatFloat(f/float64(divisor), 'f', 1, 64)
}

func isDigits(s string) bool {
	return s != "" && strings.Trim(s, "0123456789") == ""
}
