package envoy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fixture(t *testing.T, name string) []byte {
	body, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestGatewayRequiredEndpointsPhases(t *testing.T) {
	g := NewEnvoySMetered(testLogger())

	// Exploratory phase: every attribute endpoint plus the probe endpoint.
	paths := map[string]bool{}
	for _, e := range g.RequiredEndpoints() {
		paths[e.Path] = true
	}
	assert.True(t, paths[endpointMeters])
	assert.True(t, paths[endpointMeterReadings])
	assert.True(t, paths[endpointProductionJSON])
	assert.True(t, paths[endpointEnsembleInventory])

	g.SetEndpointData(endpointMeters, "application/json", fixture(t, "metered/ivp_meters.json"))
	g.SetEndpointData(endpointMeterReadings, "application/json", fixture(t, "metered/ivp_meters_readings.json"))
	g.SetEndpointData(endpointProductionJSON, "application/json", fixture(t, "metered/production.json"))
	g.RunProbes()
	assert.Nil(t, g.Reclassify())
	g.FinishInitialUpdate()

	// Frozen phase: endpoints whose attributes stayed empty are gone, the
	// probe endpoint is gone too.
	paths = map[string]bool{}
	for _, e := range g.RequiredEndpoints() {
		paths[e.Path] = true
	}
	assert.False(t, paths[endpointMeters])
	assert.False(t, paths[endpointEnsembleInventory])
	assert.False(t, paths[endpointHome])
	assert.True(t, paths[endpointMeterReadings])
	assert.True(t, paths[endpointProductionJSON])
}

func TestMeteredGatewayValues(t *testing.T) {
	g := NewEnvoySMetered(testLogger())
	g.SetEndpointData(endpointMeters, "application/json", fixture(t, "metered/ivp_meters.json"))
	g.SetEndpointData(endpointMeterReadings, "application/json", fixture(t, "metered/ivp_meters_readings.json"))
	g.SetEndpointData(endpointProductionJSON, "application/json", fixture(t, "metered/production.json"))
	g.RunProbes()

	production, ok := toFloat(g.Value(AttrProduction))
	assert.True(t, ok)
	assert.InDelta(t, 488.925, production, 0.001)

	consumption, ok := toFloat(g.Value(AttrConsumption))
	assert.True(t, ok)
	assert.InDelta(t, 488.925-36.162, consumption, 0.001)

	lifetime, ok := toFloat(g.Value(AttrLifetimeConsumption))
	assert.True(t, ok)
	assert.InDelta(t, 3183793.885-(1776768.769-3738205.282), lifetime, 0.001)

	assert.Nil(t, g.Value(AttrSevenDaysProduction))
	assert.Nil(t, g.Value(AttrSevenDaysConsumption))

	values := g.Values()
	assert.Contains(t, values, AttrGridPower)
	assert.Contains(t, values, AttrDailyProduction)
}

func TestMeteredGatewayReclassifiesWithoutCTs(t *testing.T) {
	g := NewEnvoySMetered(testLogger())
	g.SetEndpointData(endpointMeters, "application/json", fixture(t, "cts_disabled/ivp_meters.json"))

	// No substitution before the probes ran.
	assert.Nil(t, g.Reclassify())

	g.RunProbes()
	next := g.Reclassify()
	if assert.NotNil(t, next) {
		assert.Equal(t, "Envoy-S Metered without CTs", next.Name())
	}

	next.SetEndpointData(endpointProductionJSON, "application/json", fixture(t, "cts_disabled/production.json"))
	production, ok := toFloat(next.Value(AttrProduction))
	assert.True(t, ok)
	assert.InDelta(t, 1322, production, 0.001)
	assert.Nil(t, next.Value(AttrConsumption))

	// The replacement variant never substitutes itself again.
	next.RunProbes()
	assert.Nil(t, next.Reclassify())
}

func TestSetEndpointDataContentTypes(t *testing.T) {
	g := newBaseGateway("test", testLogger())

	g.SetEndpointData("a", "application/json; charset=utf-8", []byte(`{"x": 1}`))
	payload, ok := g.payload("a").(map[string]any)
	assert.True(t, ok)
	assert.Contains(t, payload, "x")

	g.SetEndpointData("b", "text/html", []byte("<html>body</html>"))
	assert.Equal(t, "<html>body</html>", g.text("b"))

	g.SetEndpointData("c", "text/xml", fixture(t, "legacy/info.xml"))
	assert.NotNil(t, g.payload("c"))

	// Broken JSON keeps whatever was stored before.
	g.SetEndpointData("a", "application/json", []byte(`{"x": `))
	payload, ok = g.payload("a").(map[string]any)
	assert.True(t, ok)
	assert.Contains(t, payload, "x")
}

func TestIsEmptyValue(t *testing.T) {
	assert.True(t, isEmptyValue(nil))
	assert.True(t, isEmptyValue(""))
	assert.True(t, isEmptyValue([]any{}))
	assert.True(t, isEmptyValue(map[string]any{}))
	assert.True(t, isEmptyValue(EnsembleInventory{}))
	assert.True(t, isEmptyValue((*ACBattery)(nil)))

	assert.False(t, isEmptyValue(float64(0)))
	assert.False(t, isEmptyValue("x"))
	assert.False(t, isEmptyValue([]any{1}))
}

func TestEnvoySGatewayStorage(t *testing.T) {
	g := NewEnvoyS(testLogger())

	g.SetEndpointData(endpointEnsembleInventory, "application/json", []byte(`[
		{"type": "ENCHARGE", "devices": [
			{"serial_num": "122146081155", "percentFull": 72, "temperature": 27, "encharge_capacity": 3500}
		]},
		{"type": "ENPOWER", "devices": []}
	]`))
	inventory, ok := g.Value(AttrEnsembleInventory).(EnsembleInventory)
	assert.True(t, ok)
	if assert.Contains(t, inventory, "122146081155") {
		device := inventory["122146081155"]
		assert.InDelta(t, 72, device.PercentFull, 0.001)
		assert.InDelta(t, 2520, device.CalculatedCapacity(), 0.001)
	}

	g.SetEndpointData(endpointEnsemblePower, "application/json", []byte(`{
		"devices:": [
			{"serial_num": "122146081155", "real_power_mw": -1500000, "apparent_power_mva": 1520000, "soc": 72}
		]
	}`))
	power, ok := g.Value(AttrEnsemblePower).(EnsemblePower)
	assert.True(t, ok)
	assert.Contains(t, power, "122146081155")
	assert.InDelta(t, 1500000, power.ChargingPowerMWAgg(), 0.001)
	assert.InDelta(t, 0, power.DischargingPowerMWAgg(), 0.001)

	g.SetEndpointData(endpointHome, "application/json", []byte(`{"enpower": {"grid_status": "closed"}}`))
	assert.Equal(t, "closed", g.Value(AttrGridStatus))

	g.SetEndpointData(endpointProductionJSON, "application/json", []byte(`{
		"storage": [
			{"type": "acb", "activeCount": 1, "wNow": -260, "whNow": 1500, "state": "charging", "percentFull": 42}
		]
	}`))
	battery, ok := g.Value(AttrACBattery).(*ACBattery)
	assert.True(t, ok)
	if assert.NotNil(t, battery) {
		assert.InDelta(t, 42, battery.PercentFull, 0.001)
		assert.InDelta(t, 260, battery.ChargingPower(), 0.001)
		assert.InDelta(t, 0, battery.DischargingPower(), 0.001)
	}
}
