package format

import (
	"fmt"
	"math"
	"strconv"
)

const (
	Byte     = 1
	KiloByte = Byte * 1000
	MegaByte = KiloByte * 1000
	GigaByte = MegaByte * 1000
	TeraByte = GigaByte * 1000
)

// HumanBytes renders a size with decimal units. Values under 10 keep one
// decimal place, larger values are truncated to whole units.
func HumanBytes(b int64) string {
	var value float64
	var unit string

	switch {
	case b >= TeraByte:
		value, unit = float64(b)/TeraByte, "TB"
	case b >= GigaByte:
		value, unit = float64(b)/GigaByte, "GB"
	case b >= MegaByte:
		value, unit = float64(b)/MegaByte, "MB"
	case b >= KiloByte:
		value, unit = float64(b)/KiloByte, "KB"
	default:
		return fmt.Sprintf("%d B", b)
	}

	switch {
	case value >= 10:
		return fmt.Sprintf("%d %s", int64(value), unit)
	case value == math.Trunc(value):
		return fmt.Sprintf("%d %s", int64(value), unit)
	default:
		return strconv.FormatFloat(math.Floor(value*10)/10, 'f', 1, 64) + " " + unit
	}
}
