package envoy

import (
	"regexp"
	"testing"

	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
)

func TestResolveJSONPath(t *testing.T) {
	payload, err := oj.ParseString(`{
		"production": [
			{"type": "inverters", "activeCount": 8, "wNow": 1322},
			{"type": "eim", "activeCount": 1, "wNow": 488.925, "whToday": 4425.303}
		]
	}`)
	assert.NoError(t, err)

	// Single match collapses to the scalar.
	got := resolveJSONPath("$.production[?(@.type == 'eim' && @.activeCount > 0)].whToday", payload, nil)
	assert.InDelta(t, 4425.303, got.(float64), 0.001)

	// No match falls back to the default.
	got = resolveJSONPath("$.production[?(@.type == 'acb')].wNow", payload, nil)
	assert.Nil(t, got)
	got = resolveJSONPath("$.missing", payload, float64(-1))
	assert.Equal(t, float64(-1), got)

	// Empty expression is the whole payload.
	assert.Equal(t, payload, resolveJSONPath("", payload, nil))

	// Nil data always resolves to the default.
	assert.Nil(t, resolveJSONPath("$.production", nil, nil))
}

func TestResolveJSONPathMeterSelection(t *testing.T) {
	payload, err := oj.ParseString(`[
		{"eid": 704643328, "state": "enabled", "measurementType": "production"},
		{"eid": 704643584, "state": "disabled", "measurementType": "net-consumption"}
	]`)
	assert.NoError(t, err)

	got := resolveJSONPath("$[?(@.state == 'enabled' && @.measurementType == 'production')].eid", payload, nil)
	value, ok := toFloat(got)
	assert.True(t, ok)
	assert.Equal(t, float64(704643328), value)

	got = resolveJSONPath("$[?(@.state == 'enabled' && @.measurementType == 'net-consumption')].eid", payload, nil)
	assert.Nil(t, got)
}

func TestResolveRegexUnits(t *testing.T) {
	re := regexp.MustCompile(`<td>Currentl.*</td>\s+<td>\s*(\d+|\d+\.\d+)\s*(W|kW|MW)</td>`)

	cases := []struct {
		html     string
		expected float64
	}{
		{"<td>Currently</td>\n <td> 6.63 kW</td>", 6630},
		{"<td>Currently</td>\n <td> 133 MW</td>", 133000000},
		{"<td>Currently</td>\n <td> 405 W</td>", 405},
	}
	for _, c := range cases {
		got := resolveRegex(re, c.html)
		if assert.NotNil(t, got, c.html) {
			assert.InDelta(t, c.expected, got.(float64), 0.001, c.html)
		}
	}

	assert.Nil(t, resolveRegex(re, "<td>Today</td>\n <td> 1 kWh</td>"))
}

func TestToFloat(t *testing.T) {
	v, ok := toFloat(float64(1.5))
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)

	v, ok = toFloat(int64(7))
	assert.True(t, ok)
	assert.Equal(t, float64(7), v)

	_, ok = toFloat("7")
	assert.False(t, ok)
	_, ok = toFloat(nil)
	assert.False(t, ok)
}
