package actor

import (
	"testing"
	"time"

	"github.com/berfenger/envoy2mqtt/internal/adapter/gateway"
	"github.com/berfenger/envoy2mqtt/internal/core/domain"
	"github.com/berfenger/envoy2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestGetGatewayInfoEnvoyActor(t *testing.T) {

	assert := assert.New(t)

	svc := gateway.CreateTestGatewayService()

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)

	context := as.Root

	props := actor.PropsFromProducer(func() actor.Actor { return NewEnvoyActor(svc, logger) })
	pid := context.Spawn(props)

	time.Sleep(1 * time.Second)

	msg := domain.GetGatewayInfoRequest{}
	result, err := context.RequestFuture(pid, msg, 15*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	resp := result.(domain.GetGatewayInfoResponse)

	assert.Equal(resp.Info.Model, "Envoy S Metered", "Gateway model")
	assert.Equal(resp.Info.SerialNumber, "122104012345", "Gateway serial number")
	assert.Equal(resp.Info.FirmwareVersion, "7.6.175", "Gateway firmware version")

	context.Stop(pid)

	as.Shutdown()
}

func TestGetTelemetryEnvoyActor(t *testing.T) {

	assert := assert.New(t)

	svc := gateway.CreateTestGatewayService()

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	props := actor.PropsFromProducer(func() actor.Actor { return NewEnvoyActor(svc, logger) })
	pid := context.Spawn(props)

	time.Sleep(1 * time.Second)

	msg := domain.GetTelemetryRequest{}

	result, err := context.RequestFuture(pid, msg, 15*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	resp := result.(domain.GetTelemetryResponse)

	assert.False(resp.HasResponseError(), "no error")
	assert.NotNil(resp.Snapshot, "snapshot present")
	assert.True(*resp.Snapshot.Production > 0, "Production bounds")
	assert.True(*resp.Snapshot.GridExport >= 0, "GridExport bounds")
	assert.Equal(len(resp.Snapshot.Inverters), 2, "inverter count")
	assert.NotNil(resp.Snapshot.ACBattery, "AC battery present")

	context.Stop(pid)

	as.Shutdown()
}
