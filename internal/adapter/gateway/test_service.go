package gateway

import (
	"context"

	"github.com/berfenger/envoy2mqtt/internal/core/domain"
	"github.com/berfenger/envoy2mqtt/pkg/envoy"
)

// TestGatewayService is a canned GatewayService for actor tests. It never
// touches the network and always reports the same metered-with-storage
// snapshot.
type TestGatewayService struct {
	updates uint32
}

func CreateTestGatewayService() *TestGatewayService {
	return &TestGatewayService{}
}

func (s *TestGatewayService) Open(ctx context.Context) error {
	return nil
}

func (s *TestGatewayService) Update(ctx context.Context) error {
	s.updates++
	return nil
}

func (s *TestGatewayService) Info() *domain.GatewayDeviceInfo {
	return &domain.GatewayDeviceInfo{
		Model:           "Envoy S Metered",
		SerialNumber:    "122104012345",
		PartNumber:      "800-00654-r08",
		FirmwareVersion: "7.6.175",
	}
}

func (s *TestGatewayService) Snapshot() *envoy.Snapshot {
	gridStatus := "closed"
	return &envoy.Snapshot{
		Model:               "Envoy S Metered",
		SerialNumber:        "122104012345",
		PartNumber:          "800-00654-r08",
		FirmwareVersion:     "7.6.175",
		Production:          f(2350.5),
		DailyProduction:     f(10231),
		SevenDaysProduction: f(70123),
		LifetimeProduction:  f(1234567),
		Consumption:         f(1893.2),
		DailyConsumption:    f(8321),
		LifetimeConsumption: f(987654),
		GridPower:           f(-457.3),
		GridImport:          f(0),
		GridExport:          f(457.3),
		GridStatus:          &gridStatus,
		Inverters: map[string]envoy.Inverter{
			"482243012345": {
				SerialNumber:    "482243012345",
				LastReportWatts: 295,
				MaxReportWatts:  366,
			},
			"482243012346": {
				SerialNumber:    "482243012346",
				LastReportWatts: 301,
				MaxReportWatts:  370,
			},
		},
		ACBattery: &envoy.ACBattery{
			PercentFull: 54,
			WhNow:       1820,
			WNow:        -260,
			State:       "charging",
		},
	}
}

func f(value float64) *float64 {
	return &value
}
