// Package typeinfer classifies columns from bounded samples and keeps the
// value sets of categorical columns.
package typeinfer

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// Category heuristic thresholds.
const (
	categoryMinSamples   = 32
	categoryLargeSample  = 1000
	categorySmallUniques = 4
	categoryLargeUniques = 256
	categoryLargeRatio   = 0.01
)

var timeOfDay = regexp.MustCompile(`^\d{1,2}:\d{2}(:\d{2}(\.\d+)?)?$`)

// Classify returns the type of a column from its non-null samples.
// Temporal parses win, then numerics (values with a leading zero are
// identifiers, not numbers), then string booleans. Integer and string
// results turn into CATEGORY when few distinct values repeat often.
func Classify(samples []any) domain.RawType {
	values := nonNull(samples)
	if len(values) == 0 {
		return domain.TypeUnknown
	}

	if t, ok := classifyTemporal(values); ok {
		return t
	}
	if t, ok := classifyNumeric(values); ok {
		if isIntegral(t) && IsCategory(values) {
			return domain.TypeCategory
		}
		return t
	}
	if allStringBool(values) {
		return domain.TypeBoolean
	}
	if IsCategory(values) {
		return domain.TypeCategory
	}
	return domain.TypeText
}

func nonNull(samples []any) []any {
	out := make([]any, 0, len(samples))
	for _, v := range samples {
		switch x := v.(type) {
		case nil:
			continue
		case string:
			if strings.TrimSpace(x) == "" {
				continue
			}
		case []byte:
			if len(strings.TrimSpace(string(x))) == 0 {
				continue
			}
			v = string(x)
		}
		out = append(out, v)
	}
	return out
}

func isIntegral(t domain.RawType) bool {
	return t == domain.TypeSmallInt || t == domain.TypeInteger || t == domain.TypeBigInt
}

func classifyTemporal(values []any) (domain.RawType, bool) {
	allClock := true
	for _, v := range values {
		s, ok := v.(string)
		if !ok || !timeOfDay.MatchString(strings.TrimSpace(s)) {
			allClock = false
			break
		}
	}
	if allClock {
		return domain.TypeTime, true
	}

	midnight := true
	for _, v := range values {
		switch v.(type) {
		case string, time.Time:
		default:
			return "", false
		}
		t, ok := domain.ParseTime(v, time.UTC)
		if !ok {
			return "", false
		}
		if t.Hour() != 0 || t.Minute() != 0 || t.Second() != 0 || t.Nanosecond() != 0 {
			midnight = false
		}
	}
	if midnight {
		return domain.TypeDate, true
	}
	return domain.TypeDatetime, true
}

// classifyNumeric coerces every value to a number and picks the narrowest
// type that holds them all.
func classifyNumeric(values []any) (domain.RawType, bool) {
	var (
		integral = true
		boolish  = true
		lo, hi   float64
	)
	for i, v := range values {
		f, isInt, ok := toNumber(v)
		if !ok {
			return "", false
		}
		if !isInt {
			integral = false
		}
		if f != 0 && f != 1 {
			boolish = false
		}
		if i == 0 || f < lo {
			lo = f
		}
		if i == 0 || f > hi {
			hi = f
		}
	}
	switch {
	case integral && boolish:
		return domain.TypeBoolean, true
	case integral && lo >= math.MinInt16 && hi <= math.MaxInt16:
		return domain.TypeSmallInt, true
	case integral && lo >= math.MinInt32 && hi <= math.MaxInt32:
		return domain.TypeInteger, true
	case integral:
		return domain.TypeBigInt, true
	}
	return domain.TypeReal, true
}

func toNumber(v any) (f float64, integral, ok bool) {
	switch x := v.(type) {
	case bool:
		if x {
			return 1, true, true
		}
		return 0, true, true
	case int64:
		return float64(x), true, true
	case int32:
		return float64(x), true, true
	case int:
		return float64(x), true, true
	case int16:
		return float64(x), true, true
	case float64:
		return x, x == math.Trunc(x), !math.IsNaN(x) && !math.IsInf(x, 0)
	case float32:
		f := float64(x)
		return f, f == math.Trunc(f), !math.IsNaN(f) && !math.IsInf(f, 0)
	case string:
		s := strings.TrimSpace(x)
		if hasLeadingZero(s) {
			return 0, false, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return float64(n), true, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false, false
		}
		return f, false, true
	}
	return 0, false, false
}

// hasLeadingZero reports values like "007" or "-012" that are codes.
func hasLeadingZero(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+")
	return len(s) > 1 && s[0] == '0' && s[1] >= '0' && s[1] <= '9'
}

func allStringBool(values []any) bool {
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "false":
		default:
			return false
		}
	}
	return true
}

// IsCategory reports whether a sample repeats few enough distinct values to
// be treated as categorical.
func IsCategory(values []any) bool {
	n := len(values)
	if n < categoryMinSamples {
		return false
	}
	uniq := len(Distinct(values))
	if n < categoryLargeSample {
		return uniq < categorySmallUniques
	}
	return uniq < categoryLargeUniques && float64(uniq)/float64(n) <= categoryLargeRatio
}

// Distinct returns the distinct text forms of values in first-seen order.
func Distinct(values []any) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		s := domain.CellString(v)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
