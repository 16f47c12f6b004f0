// Package format renders counts and sizes for people.
package format

import (
	"fmt"
	"strconv"
)

type unit struct {
	size   uint64
	suffix string
}

var numberUnits = []unit{
	{1_000_000_000_000, "T"},
	{1_000_000_000, "B"},
	{1_000_000, "M"},
	{1_000, "K"},
}

var byteUnits = []unit{
	{1_000_000_000_000, " TB"},
	{1_000_000_000, " GB"},
	{1_000_000, " MB"},
	{1_000, " KB"},
}

// HumanNumber abbreviates a count such as a number of parameters, e.g.
// 1234 becomes "1.23K".
func HumanNumber(n uint64) string {
	for _, u := range numberUnits {
		if n >= u.size {
			return decimalPlace(float64(n)/float64(u.size)) + u.suffix
		}
	}

	return strconv.FormatUint(n, 10)
}

// HumanBytes renders a size in decimal units with one fractional digit.
func HumanBytes(n int64) string {
	if n > 0 {
		for _, u := range byteUnits {
			if uint64(n) > u.size {
				return fmt.Sprintf("%.1f%s", float64(n)/float64(u.size), u.suffix)
			}
		}
	}

	return fmt.Sprintf("%d B", n)
}

func decimalPlace(number float64) string {
	switch {
	case number >= 100:
		return fmt.Sprintf("%.0f", number)
	case number >= 10:
		return fmt.Sprintf("%.1f", number)
	default:
		return fmt.Sprintf("%.2f", number)
	}
}
