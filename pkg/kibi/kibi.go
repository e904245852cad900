// Package kibi formats and parses human readable byte sizes, with 1024 based units.
package kibi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var DigitRegex = regexp.MustCompile(`^\d+`)
var ErrInvalidByteSizeString = fmt.Errorf("Invalid byte size string")

var units = []string{"KB", "MB", "GB", "TB", "PB"}

func FormatBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%v bytes", b)
	}
	unit := 0
	b /= 1024
	for b >= 1024 && unit < len(units)-1 {
		b /= 1024
		unit++
	}
	return fmt.Sprintf("%v %v", b, units[unit])
}

// ParseBytes accepts suffixes 'kb', 'mb', 'gb', etc, in any case.
// A bare letter is also accepted, eg 'm', 'g'.
// Examples:
// 123 m -> 123*1024*1024
// 123 mb -> 123*1024*1024
// 123 GB -> 123*1024*1024*1024
// 123 -> 123
func ParseBytes(v string) (int64, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	digits := DigitRegex.FindString(v)
	if digits == "" {
		return 0, ErrInvalidByteSizeString
	}
	suffix := strings.TrimSpace(v[len(digits):])
	multiplier := int64(1)
	switch suffix {
	case "", "b", "bytes":
	case "kb", "k":
		multiplier = 1024
	case "mb", "m":
		multiplier = 1024 * 1024
	case "gb", "g":
		multiplier = 1024 * 1024 * 1024
	case "tb", "t":
		multiplier = 1024 * 1024 * 1024 * 1024
	case "pb", "p":
		multiplier = 1024 * 1024 * 1024 * 1024 * 1024
	default:
		return 0, ErrInvalidByteSizeString
	}
	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, err
	}
	return value * multiplier, nil
}

// ByteSize is a byte count that is written to config files as a human readable string
type ByteSize int64

func (b ByteSize) String() string {
	return FormatBytes(int64(b))
}

// UnmarshalYAML accepts either a plain integer or a string such as "512 MB"
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseBytes(s)
	if err != nil {
		return fmt.Errorf("%w: '%v' (line %v)", err, s, node.Line)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	// Only use a unit when it is exact, so that the value survives a round trip
	v := int64(b)
	for i := len(units) - 1; i >= 0; i-- {
		m := int64(1) << (10 * (i + 1))
		if v != 0 && v%m == 0 {
			return fmt.Sprintf("%v %v", v/m, units[i]), nil
		}
	}
	return strconv.FormatInt(v, 10), nil
}
