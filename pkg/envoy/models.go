package envoy

// Models for the independently-optional storage add-ons. All of them resolve
// to nil when the hardware is absent; that is never an error.

// EnsembleInventoryDevice describes one Encharge storage unit from
// ivp/ensemble/inventory.
type EnsembleInventoryDevice struct {
	SerialNumber     string
	PercentFull      float64
	Temperature      float64
	EnchargeCapacity float64
}

// CalculatedCapacity returns the currently stored energy in Wh.
func (d EnsembleInventoryDevice) CalculatedCapacity() float64 {
	return d.EnchargeCapacity * d.PercentFull / 100
}

// EnsembleInventory maps Encharge serial numbers to their inventory entries.
type EnsembleInventory map[string]EnsembleInventoryDevice

func ensembleInventoryFromResult(result []any) EnsembleInventory {
	inventory := EnsembleInventory{}
	for _, entry := range result {
		device, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		serial, _ := device["serial_num"].(string)
		if serial == "" {
			continue
		}
		percentFull, _ := toFloat(device["percentFull"])
		temperature, _ := toFloat(device["temperature"])
		capacity, _ := toFloat(device["encharge_capacity"])
		inventory[serial] = EnsembleInventoryDevice{
			SerialNumber:     serial,
			PercentFull:      percentFull,
			Temperature:      temperature,
			EnchargeCapacity: capacity,
		}
	}
	if len(inventory) == 0 {
		return nil
	}
	return inventory
}

// EnsemblePowerDevice describes one Encharge unit from ivp/ensemble/power.
type EnsemblePowerDevice struct {
	SerialNumber     string
	ApparentPowerMVA float64
	RealPowerMW      float64
	SOC              float64
}

func (d EnsemblePowerDevice) ChargingPowerMW() float64 {
	if d.RealPowerMW < 0 {
		return -d.RealPowerMW
	}
	return 0
}

func (d EnsemblePowerDevice) DischargingPowerMW() float64 {
	if d.RealPowerMW > 0 {
		return d.RealPowerMW
	}
	return 0
}

// EnsemblePower maps Encharge serial numbers to their power readings.
type EnsemblePower map[string]EnsemblePowerDevice

// RealPowerMWAgg returns the summed real power over all units.
func (p EnsemblePower) RealPowerMWAgg() float64 {
	var power float64
	for _, device := range p {
		power += device.RealPowerMW
	}
	return power
}

// ApparentPowerMVAAgg returns the summed apparent power over all units.
func (p EnsemblePower) ApparentPowerMVAAgg() float64 {
	var power float64
	for _, device := range p {
		power += device.ApparentPowerMVA
	}
	return power
}

func (p EnsemblePower) ChargingPowerMWAgg() float64 {
	if power := p.RealPowerMWAgg(); power < 0 {
		return -power
	}
	return 0
}

func (p EnsemblePower) DischargingPowerMWAgg() float64 {
	if power := p.RealPowerMWAgg(); power > 0 {
		return power
	}
	return 0
}

func ensemblePowerFromResult(result []any) EnsemblePower {
	devices := EnsemblePower{}
	for _, entry := range result {
		device, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		serial, _ := device["serial_num"].(string)
		if serial == "" {
			continue
		}
		apparent, _ := toFloat(device["apparent_power_mva"])
		real, _ := toFloat(device["real_power_mw"])
		soc, _ := toFloat(device["soc"])
		devices[serial] = EnsemblePowerDevice{
			SerialNumber:     serial,
			ApparentPowerMVA: apparent,
			RealPowerMW:      real,
			SOC:              soc,
		}
	}
	if len(devices) == 0 {
		return nil
	}
	return devices
}

// ACBattery describes the legacy AC battery entry of production.json.
type ACBattery struct {
	PercentFull float64
	WhNow       float64
	WNow        float64
	State       string
}

func (b ACBattery) ChargingPower() float64 {
	if b.WNow < 0 {
		return -b.WNow
	}
	return 0
}

func (b ACBattery) DischargingPower() float64 {
	if b.WNow > 0 {
		return b.WNow
	}
	return 0
}

func acBatteryFromResult(result any) *ACBattery {
	device, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	percentFull, ok := toFloat(device["percentFull"])
	if !ok {
		return nil
	}
	whNow, _ := toFloat(device["whNow"])
	wNow, _ := toFloat(device["wNow"])
	state, _ := device["state"].(string)
	return &ACBattery{
		PercentFull: percentFull,
		WhNow:       whNow,
		WNow:        wNow,
		State:       state,
	}
}
