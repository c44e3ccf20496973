package events

import (
	. "github.com/berfenger/envoy2mqtt/internal/core/domain"
	"github.com/berfenger/envoy2mqtt/pkg/envoy"
)

// SnapshotToUpdateEvents maps one telemetry snapshot to sensor update
// events. Attributes missing from the snapshot produce no event, so the
// event set stays aligned with the discovered sensor set.
func SnapshotToUpdateEvents(snap *envoy.Snapshot) []any {
	var events []any

	events = appendFloat(events, SENSOR_ID_PRODUCTION_POWER, snap.Production, 2)
	events = appendFloat(events, SENSOR_ID_PRODUCTION_TODAY, snap.DailyProduction, 3)
	events = appendFloat(events, SENSOR_ID_PRODUCTION_SEVEN_DAYS, snap.SevenDaysProduction, 3)
	events = appendFloat(events, SENSOR_ID_PRODUCTION_LIFETIME, snap.LifetimeProduction, 3)
	events = appendFloat(events, SENSOR_ID_CONSUMPTION_POWER, snap.Consumption, 2)
	events = appendFloat(events, SENSOR_ID_CONSUMPTION_TODAY, snap.DailyConsumption, 3)
	events = appendFloat(events, SENSOR_ID_CONSUMPTION_LIFETIME, snap.LifetimeConsumption, 3)
	events = appendFloat(events, SENSOR_ID_GRID_POWER, snap.GridPower, 2)
	events = appendFloat(events, SENSOR_ID_GRID_IMPORT_POWER, snap.GridImport, 2)
	events = appendFloat(events, SENSOR_ID_GRID_EXPORT_POWER, snap.GridExport, 2)

	if snap.GridStatus != nil {
		events = append(events, TextSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{
				Id: SENSOR_ID_GRID_STATUS,
			},
			Value: *snap.GridStatus,
		})
	}

	events = append(events, storageUpdateEvents(snap)...)
	events = append(events, inverterUpdateEvents(snap)...)

	return events
}

func inverterUpdateEvents(snap *envoy.Snapshot) []any {
	var events []any
	for serial, inverter := range snap.Inverters {
		events = append(events, FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{
				Id: SensorIdInverterPower(serial),
			},
			Value: inverter.LastReportWatts,
		})
		events = append(events, FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{
				Id: SensorIdInverterMaxPower(serial),
			},
			Value: inverter.MaxReportWatts,
		})
	}
	return events
}

// storageUpdateEvents prefers the AC battery aggregate when the gateway
// reports one, and falls back to the Ensemble/Encharge reports otherwise.
func storageUpdateEvents(snap *envoy.Snapshot) []any {
	var events []any

	switch {
	case snap.ACBattery != nil:
		events = appendFloatValue(events, SENSOR_ID_BATTERY_POWER, snap.ACBattery.WNow, 2)
		events = appendFloatValue(events, SENSOR_ID_BATTERY_CHARGE_POWER, snap.ACBattery.ChargingPower(), 2)
		events = appendFloatValue(events, SENSOR_ID_BATTERY_DISCHARGE_POWER, snap.ACBattery.DischargingPower(), 2)
		events = appendFloatValue(events, SENSOR_ID_BATTERY_SOC, snap.ACBattery.PercentFull, 0)
		events = appendFloatValue(events, SENSOR_ID_BATTERY_CAPACITY, snap.ACBattery.WhNow, 0)
	case len(snap.EnsemblePower) > 0:
		events = appendFloatValue(events, SENSOR_ID_BATTERY_POWER, snap.EnsemblePower.RealPowerMWAgg()/1000, 2)
		events = appendFloatValue(events, SENSOR_ID_BATTERY_CHARGE_POWER, snap.EnsemblePower.ChargingPowerMWAgg()/1000, 2)
		events = appendFloatValue(events, SENSOR_ID_BATTERY_DISCHARGE_POWER, snap.EnsemblePower.DischargingPowerMWAgg()/1000, 2)
		events = appendFloatValue(events, SENSOR_ID_BATTERY_SOC, ensembleSOCAvg(snap.EnsemblePower), 0)
	}

	if snap.ACBattery == nil && len(snap.EnsembleInventory) > 0 {
		var capacity float64
		for _, device := range snap.EnsembleInventory {
			capacity += device.CalculatedCapacity()
		}
		events = appendFloatValue(events, SENSOR_ID_BATTERY_CAPACITY, capacity, 0)
	}

	return events
}

func ensembleSOCAvg(power envoy.EnsemblePower) float64 {
	var soc float64
	for _, device := range power {
		soc += device.SOC
	}
	return soc / float64(len(power))
}

func appendFloat(events []any, id string, value *float64, decimals uint) []any {
	if value == nil {
		return events
	}
	return appendFloatValue(events, id, *value, decimals)
}

func appendFloatValue(events []any, id string, value float64, decimals uint) []any {
	return append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: id,
		},
		Value:    value,
		Decimals: decimals,
	})
}
