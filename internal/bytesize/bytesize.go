// Package bytesize parses human readable sizes such as "256kb" or "1 MB".
package bytesize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Size int64

const (
	B  Size = 1
	KB      = 1024 * B
	MB      = 1024 * KB
	GB      = 1024 * MB
)

var (
	ErrInvalidSizeFormat   = errors.New("invalid size format")
	ErrInvalidNumberFormat = errors.New("invalid number format")
	ErrUnknownUnit         = errors.New("unknown size unit")
)

var units = map[string]Size{
	"b":  B,
	"kb": KB,
	"mb": MB,
	"gb": GB,
}

// ParseSize is case and whitespace insensitive. A unit is mandatory.
func ParseSize(s string) (Size, error) {
	s = strings.ToLower(strings.ReplaceAll(s, " ", ""))
	idx := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if idx == -1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSizeFormat, s)
	}

	num, unit := s[:idx], s[idx:]
	value, err := strconv.ParseFloat(num, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumberFormat, num)
	}

	multiplier, ok := units[unit]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}
	return Size(value * float64(multiplier)), nil
}

func (s Size) String() string {
	switch {
	case s >= GB && s%GB == 0:
		return strconv.FormatInt(int64(s/GB), 10) + "gb"
	case s >= MB && s%MB == 0:
		return strconv.FormatInt(int64(s/MB), 10) + "mb"
	case s >= KB && s%KB == 0:
		return strconv.FormatInt(int64(s/KB), 10) + "kb"
	default:
		return strconv.FormatInt(int64(s), 10) + "b"
	}
}
