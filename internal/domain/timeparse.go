package domain

import (
	"strings"
	"time"
)

// timeLayouts are tried in order by ParseTime.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006/01/02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006/01/02 15:04",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02",
	"2006/01/02",
}

// ParseTime converts a driver value or text into a time. Zone-less values
// are interpreted in loc.
func ParseTime(v any, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return time.Time{}, false
		}
		if x.Location() == time.UTC && loc != time.UTC {
			// Drivers hand back DATETIME columns as UTC wall clocks.
			return time.Date(x.Year(), x.Month(), x.Day(), x.Hour(), x.Minute(), x.Second(), x.Nanosecond(), loc), true
		}
		return x, true
	case []byte:
		return ParseTime(string(x), loc)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// CellString renders a cell value as text; nil becomes "".
func CellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format("2006-01-02 15:04:05.999999999")
	default:
		return strings.TrimSpace(toString(x))
	}
}
