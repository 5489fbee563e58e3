package report

import (
	"strconv"
	"strings"
)

func itoa(v int) string     { return strconv.Itoa(v) }
func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func compact(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}
