package parser

import (
	"math"
	"strconv"
	"strings"
)

var numberCleaner = strings.NewReplacer("%", "", ",", "", "$", "", " ", "")

// ParseFloat reads a metric value such as "12.5%" or "$1,234.50".
// Unparseable or non-finite values are 0.
func ParseFloat(value string) float64 {
	cleaned := numberCleaner.Replace(strings.TrimSpace(value))
	if cleaned == "" {
		return 0
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// ParseInt reads a count such as "1,024". A decimal with a fractional part
// is not a count and reads as 0, like anything else unparseable; "150.0" is 150.
func ParseInt(value string) int {
	cleaned := strings.ReplaceAll(strings.TrimSpace(value), ",", "")
	if cleaned == "" {
		return 0
	}
	if n, err := strconv.Atoi(cleaned); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0
	}
	return int(f)
}
