package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/berfenger/envoy2mqtt/pkg/envoy"

	"github.com/carlmjohnson/versioninfo"
)

const (
	SENSOR_ID_BRIDGE_STATE            = "bridge"
	SENSOR_ID_PRODUCTION_POWER        = "production_power"
	SENSOR_ID_PRODUCTION_TODAY        = "production_today"
	SENSOR_ID_PRODUCTION_SEVEN_DAYS   = "production_seven_days"
	SENSOR_ID_PRODUCTION_LIFETIME     = "production_lifetime"
	SENSOR_ID_CONSUMPTION_POWER       = "consumption_power"
	SENSOR_ID_CONSUMPTION_TODAY       = "consumption_today"
	SENSOR_ID_CONSUMPTION_LIFETIME    = "consumption_lifetime"
	SENSOR_ID_GRID_POWER              = "grid_power"
	SENSOR_ID_GRID_IMPORT_POWER       = "grid_import_power"
	SENSOR_ID_GRID_EXPORT_POWER       = "grid_export_power"
	SENSOR_ID_GRID_STATUS             = "grid_status"
	SENSOR_ID_BATTERY_POWER           = "battery_power"
	SENSOR_ID_BATTERY_CHARGE_POWER    = "battery_charge_power"
	SENSOR_ID_BATTERY_DISCHARGE_POWER = "battery_discharge_power"
	SENSOR_ID_BATTERY_SOC             = "battery_soc"
	SENSOR_ID_BATTERY_CAPACITY        = "battery_capacity"
	STATE_CLASS_MEASUREMENT           = "measurement"
	STATE_CLASS_TOTAL_INCREASING      = "total_increasing"
	DEVICE_CLASS_BATTERY              = "battery"
	DEVICE_CLASS_ENERGY               = "energy"
	DEVICE_CLASS_ENERGY_STORAGE       = "energy_storage"
	DEVICE_CLASS_POWER                = "power"
	DEVICE_CLASS_CONNECTIVITY         = "connectivity"
	ENTITY_CLASS_DIAGNOSTIC           = "diagnostic"
	SENSOR_TYPE_SENSOR                = "sensor"
	SENSOR_TYPE_BINARY                = "binary_sensor"
)

func SensorIdInverterPower(serial string) string {
	return fmt.Sprintf("inverter_%s_power", serial)
}

func SensorIdInverterMaxPower(serial string) string {
	return fmt.Sprintf("inverter_%s_max_power", serial)
}

func BridgeDevice(baseTopic string) Device {
	return Device{
		Id:           fmt.Sprintf("envoy2mqtt_bridge_%s", md5HashShort(baseTopic)),
		Manufacturer: "ACasal",
		Model:        "Envoy2MQTT",
		Version:      versioninfo.Short(),
		Name:         fmt.Sprintf("Envoy2MQTT %s", md5HashShort(baseTopic)),
	}
}

func GatewayDevice(info *GatewayDeviceInfo) Device {
	return Device{
		Id:           fmt.Sprintf("env_gateway_%s", md5HashShort(info.SerialNumber)),
		Version:      info.FirmwareVersion,
		Manufacturer: "Enphase Energy",
		Model:        info.Model,
		Name:         fmt.Sprintf("%s %s", info.Model, info.SerialNumber),
	}
}

func InverterDevice(gatewayDevice Device, serial string) Device {
	return Device{
		Id:           fmt.Sprintf("env_inverter_%s", md5HashShort(serial)),
		Manufacturer: "Enphase Energy",
		Model:        "Microinverter",
		Name:         fmt.Sprintf("Inverter %s", serial),
		ViaDevice:    gatewayDevice.Id,
	}
}

func IdDevice(device Device) Device {
	return Device{
		Id:   device.Id,
		Name: device.Name,
	}
}

func BridgeSensors(bridgeDevice Device) []GenericSensor {

	var sensors []GenericSensor

	// Bridge connection state
	sensors = append(sensors, GenericSensor{
		Device:         bridgeDevice,
		Id:             SENSOR_ID_BRIDGE_STATE,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Connection state",
		DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_STATE),
	})

	return sensors
}

// GatewaySensors builds the sensor set the gateway actually reports.
// Attributes absent from the snapshot (no CTs, no storage) get no sensor.
func GatewaySensors(gatewayDevice Device, snap *envoy.Snapshot) []GenericSensor {

	var sensors []GenericSensor

	if snap.Production != nil {
		sensors = append(sensors, powerSensor(gatewayDevice, SENSOR_ID_PRODUCTION_POWER,
			"Production power", "mdi:solar-power"))
	}
	if snap.DailyProduction != nil {
		sensors = append(sensors, energySensor(gatewayDevice, SENSOR_ID_PRODUCTION_TODAY,
			"Energy produced today", STATE_CLASS_TOTAL_INCREASING))
	}
	if snap.SevenDaysProduction != nil {
		sensors = append(sensors, energySensor(gatewayDevice, SENSOR_ID_PRODUCTION_SEVEN_DAYS,
			"Energy produced last seven days", ""))
	}
	if snap.LifetimeProduction != nil {
		sensors = append(sensors, energySensor(gatewayDevice, SENSOR_ID_PRODUCTION_LIFETIME,
			"Lifetime energy production", STATE_CLASS_TOTAL_INCREASING))
	}
	if snap.Consumption != nil {
		sensors = append(sensors, powerSensor(gatewayDevice, SENSOR_ID_CONSUMPTION_POWER,
			"Consumption power", "mdi:home-lightning-bolt"))
	}
	if snap.DailyConsumption != nil {
		sensors = append(sensors, energySensor(gatewayDevice, SENSOR_ID_CONSUMPTION_TODAY,
			"Energy consumed today", STATE_CLASS_TOTAL_INCREASING))
	}
	if snap.LifetimeConsumption != nil {
		sensors = append(sensors, energySensor(gatewayDevice, SENSOR_ID_CONSUMPTION_LIFETIME,
			"Lifetime energy consumption", STATE_CLASS_TOTAL_INCREASING))
	}
	if snap.GridPower != nil {
		sensors = append(sensors, powerSensor(gatewayDevice, SENSOR_ID_GRID_POWER,
			"Grid power flow", "mdi:transmission-tower"))
	}
	if snap.GridImport != nil {
		sensors = append(sensors, powerSensor(gatewayDevice, SENSOR_ID_GRID_IMPORT_POWER,
			"Grid import power", "mdi:transmission-tower-export"))
	}
	if snap.GridExport != nil {
		sensors = append(sensors, powerSensor(gatewayDevice, SENSOR_ID_GRID_EXPORT_POWER,
			"Grid export power", "mdi:transmission-tower-import"))
	}
	if snap.GridStatus != nil {
		sensors = append(sensors, GenericSensor{
			Device:     gatewayDevice,
			Id:         SENSOR_ID_GRID_STATUS,
			SensorType: SENSOR_TYPE_SENSOR,
			Name:       "Grid status",
			Icon:       "mdi:transmission-tower",
			UniqueId:   uniqueId(gatewayDevice.Id, SENSOR_ID_GRID_STATUS),
		})
	}
	if snap.ACBattery != nil || len(snap.EnsemblePower) > 0 {
		sensors = append(sensors, powerSensor(gatewayDevice, SENSOR_ID_BATTERY_POWER,
			"Battery power flow", "mdi:home-battery"))
		sensors = append(sensors, powerSensor(gatewayDevice, SENSOR_ID_BATTERY_CHARGE_POWER,
			"Battery charge power", "mdi:battery-plus"))
		sensors = append(sensors, powerSensor(gatewayDevice, SENSOR_ID_BATTERY_DISCHARGE_POWER,
			"Battery discharge power", "mdi:battery-minus"))
		sensors = append(sensors, GenericSensor{
			Device:            gatewayDevice,
			Id:                SENSOR_ID_BATTERY_SOC,
			SensorType:        SENSOR_TYPE_SENSOR,
			Name:              "Battery SoC",
			StateClass:        STATE_CLASS_MEASUREMENT,
			DeviceClass:       DEVICE_CLASS_BATTERY,
			UnitOfMeasurement: "%",
			UniqueId:          uniqueId(gatewayDevice.Id, SENSOR_ID_BATTERY_SOC),
		})
	}
	if snap.ACBattery != nil || len(snap.EnsembleInventory) > 0 {
		sensors = append(sensors, GenericSensor{
			Device:            gatewayDevice,
			Id:                SENSOR_ID_BATTERY_CAPACITY,
			SensorType:        SENSOR_TYPE_SENSOR,
			Name:              "Battery stored energy",
			StateClass:        STATE_CLASS_MEASUREMENT,
			DeviceClass:       DEVICE_CLASS_ENERGY_STORAGE,
			UnitOfMeasurement: "Wh",
			UniqueId:          uniqueId(gatewayDevice.Id, SENSOR_ID_BATTERY_CAPACITY),
		})
	}

	return sensors
}

func InverterSensors(inverterDevice Device, serial string) []GenericSensor {

	var sensors []GenericSensor

	// last reported production
	sensors = append(sensors, GenericSensor{
		Device:            inverterDevice,
		Id:                SensorIdInverterPower(serial),
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Power",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_POWER,
		UnitOfMeasurement: "W",
		UniqueId:          uniqueId(inverterDevice.Id, SensorIdInverterPower(serial)),
	})

	// lifetime peak, mostly of diagnostic interest
	sensors = append(sensors, GenericSensor{
		Device:            inverterDevice,
		Id:                SensorIdInverterMaxPower(serial),
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Max observed power",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_POWER,
		UnitOfMeasurement: "W",
		EntityCategory:    ENTITY_CLASS_DIAGNOSTIC,
		EnabledByDefault:  optionalBool(false),
		UniqueId:          uniqueId(inverterDevice.Id, SensorIdInverterMaxPower(serial)),
	})

	return sensors
}

func powerSensor(device Device, id, name, icon string) GenericSensor {
	return GenericSensor{
		Device:            device,
		Id:                id,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              name,
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_POWER,
		UnitOfMeasurement: "W",
		Icon:              icon,
		UniqueId:          uniqueId(device.Id, id),
	}
}

func energySensor(device Device, id, name, stateClass string) GenericSensor {
	return GenericSensor{
		Device:            device,
		Id:                id,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              name,
		StateClass:        stateClass,
		DeviceClass:       DEVICE_CLASS_ENERGY,
		UnitOfMeasurement: "Wh",
		UniqueId:          uniqueId(device.Id, id),
	}
}

func uniqueId(baseId, id string) string {
	return fmt.Sprintf("uid_%s_%s", baseId, id)
}

func md5Hash(text string) string {
	hash := md5.Sum([]byte(text))
	return hex.EncodeToString(hash[:])
}

func md5HashShort(text string) string {
	return md5Hash(text)[0:8]
}

func optionalBool(value bool) *bool {
	return &value
}
