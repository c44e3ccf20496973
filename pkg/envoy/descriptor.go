package envoy

import (
	"regexp"
	"strconv"

	"github.com/ohler55/ojg/jp"
)

// resolveJSONPath evaluates a JSONPath expression against a parsed payload.
// An empty expression returns the payload itself. A single-element match
// collapses to the scalar; no match returns def.
func resolveJSONPath(expr string, data any, def any) any {
	if data == nil {
		return def
	}
	if expr == "" {
		return data
	}
	x, err := jp.ParseString(expr)
	if err != nil {
		return def
	}
	return resolveExpr(x, data, def)
}

func resolveExpr(x jp.Expr, data any, def any) any {
	if data == nil {
		return def
	}
	got := x.Get(data)
	switch len(got) {
	case 0:
		return def
	case 1:
		return got[0]
	default:
		return got
	}
}

// mustPath parses a JSONPath expression known at variant-definition time.
func mustPath(expr string) jp.Expr {
	return jp.MustParseString(expr)
}

// resolveRegex matches a two-group regular expression (numeric value, unit)
// against an HTML payload and normalizes the unit to watts or watt-hours.
// Only the oldest firmware dialect needs this: it serves HTML tables instead
// of JSON.
func resolveRegex(re *regexp.Regexp, text string) any {
	m := re.FindStringSubmatch(text)
	if m == nil || len(m) < 3 {
		return nil
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	switch m[2] {
	case "kW", "kWh":
		value *= 1000
	case "MW", "MWh":
		value *= 1000000
	}
	return value
}

// toFloat coerces the numeric types a parsed JSON payload can produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
