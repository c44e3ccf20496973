package events

import (
	"testing"

	"github.com/berfenger/envoy2mqtt/internal/core/domain"
	"github.com/berfenger/envoy2mqtt/pkg/envoy"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotToUpdateEvents(t *testing.T) {

	assert := assert.New(t)

	production := 2350.5
	gridPower := -457.3
	gridStatus := "closed"

	snap := &envoy.Snapshot{
		Production: &production,
		GridPower:  &gridPower,
		GridStatus: &gridStatus,
		Inverters: map[string]envoy.Inverter{
			"482243012345": {
				SerialNumber:    "482243012345",
				LastReportWatts: 295,
				MaxReportWatts:  366,
			},
		},
		ACBattery: &envoy.ACBattery{
			PercentFull: 54,
			WhNow:       1820,
			WNow:        -260,
			State:       "charging",
		},
	}

	events := SnapshotToUpdateEvents(snap)

	byId := map[string]any{}
	for _, ev := range events {
		byId[ev.(domain.SensorUpdateEvent).SensorId()] = ev
	}

	// attributes absent from the snapshot produce no event
	assert.NotContains(byId, domain.SENSOR_ID_CONSUMPTION_POWER, "no consumption event")
	assert.NotContains(byId, domain.SENSOR_ID_GRID_IMPORT_POWER, "no grid import event")

	prodEv, ok := byId[domain.SENSOR_ID_PRODUCTION_POWER].(domain.FloatSensorUpdateEvent)
	assert.True(ok)
	assert.Equal(prodEv.Value, 2350.5, "production power value")

	gridEv, ok := byId[domain.SENSOR_ID_GRID_POWER].(domain.FloatSensorUpdateEvent)
	assert.True(ok)
	assert.Equal(gridEv.Value, -457.3, "grid power value")

	statusEv, ok := byId[domain.SENSOR_ID_GRID_STATUS].(domain.TextSensorUpdateEvent)
	assert.True(ok)
	assert.Equal(statusEv.Value, "closed", "grid status value")

	invEv, ok := byId[domain.SensorIdInverterPower("482243012345")].(domain.FloatSensorUpdateEvent)
	assert.True(ok)
	assert.Equal(invEv.Value, 295.0, "inverter power value")

	// AC battery wins over ensemble reports
	battEv, ok := byId[domain.SENSOR_ID_BATTERY_CHARGE_POWER].(domain.FloatSensorUpdateEvent)
	assert.True(ok)
	assert.Equal(battEv.Value, 260.0, "battery charge power value")

	capEv, ok := byId[domain.SENSOR_ID_BATTERY_CAPACITY].(domain.FloatSensorUpdateEvent)
	assert.True(ok)
	assert.Equal(capEv.Value, 1820.0, "battery stored energy value")
}

func TestSnapshotToUpdateEventsEnsembleFallback(t *testing.T) {

	assert := assert.New(t)

	snap := &envoy.Snapshot{
		EnsemblePower: envoy.EnsemblePower{
			"122249012345": {
				SerialNumber: "122249012345",
				RealPowerMW:  -250000,
				SOC:          40,
			},
			"122249012346": {
				SerialNumber: "122249012346",
				RealPowerMW:  -150000,
				SOC:          60,
			},
		},
		EnsembleInventory: envoy.EnsembleInventory{
			"122249012345": {
				SerialNumber:     "122249012345",
				PercentFull:      40,
				EnchargeCapacity: 3500,
			},
			"122249012346": {
				SerialNumber:     "122249012346",
				PercentFull:      60,
				EnchargeCapacity: 3500,
			},
		},
	}

	events := SnapshotToUpdateEvents(snap)

	byId := map[string]any{}
	for _, ev := range events {
		byId[ev.(domain.SensorUpdateEvent).SensorId()] = ev
	}

	powerEv, ok := byId[domain.SENSOR_ID_BATTERY_POWER].(domain.FloatSensorUpdateEvent)
	assert.True(ok)
	assert.Equal(powerEv.Value, -400.0, "battery power value")

	chargeEv, ok := byId[domain.SENSOR_ID_BATTERY_CHARGE_POWER].(domain.FloatSensorUpdateEvent)
	assert.True(ok)
	assert.Equal(chargeEv.Value, 400.0, "battery charge power value")

	socEv, ok := byId[domain.SENSOR_ID_BATTERY_SOC].(domain.FloatSensorUpdateEvent)
	assert.True(ok)
	assert.Equal(socEv.Value, 50.0, "battery soc value")

	capEv, ok := byId[domain.SENSOR_ID_BATTERY_CAPACITY].(domain.FloatSensorUpdateEvent)
	assert.True(ok)
	assert.Equal(capEv.Value, 3500.0, "battery stored energy value")
}
