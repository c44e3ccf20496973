package mqtt

import (
	"testing"

	"github.com/berfenger/envoy2mqtt/internal/config"
	"github.com/berfenger/envoy2mqtt/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func testClient() *MQTTClient {
	return &MQTTClient{
		cfg: config.MQTTConfig{
			BaseTopic:        "loremTopic",
			HADiscoveryTopic: "homeassistant",
		},
	}
}

func TestStateTopics(t *testing.T) {

	assert := assert.New(t)

	c := testClient()

	assert.Equal(c.BridgeStateTopic(), "loremTopic/bridge/state", "bridge state topic")
	assert.Equal(c.SensorStateTopic("production_power"), "loremTopic/sensor/production_power/state", "sensor state topic")
	assert.Equal(c.BinarySensorStateTopic("bridge"), "loremTopic/binary_sensor/bridge/state", "binary sensor state topic")
}

func TestHADiscoverySensorTopic(t *testing.T) {

	assert := assert.New(t)

	c := testClient()

	sensor := domain.GenericSensor{
		Device: domain.Device{
			Id: "env_gateway_0a1b2c3d",
		},
		Id:         domain.SENSOR_ID_PRODUCTION_POWER,
		SensorType: domain.SENSOR_TYPE_SENSOR,
	}

	assert.Equal(c.HADiscoverySensorTopic(sensor),
		"homeassistant/sensor/env_gateway_0a1b2c3d/production_power/config", "discovery config topic")
}
