package actor

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/berfenger/envoy2mqtt/internal/config"
	"github.com/berfenger/envoy2mqtt/internal/core/domain"
	"github.com/berfenger/envoy2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// HADiscoveryActor publishes the Home Assistant discovery set once on
// boot. It waits for the gateway and MQTT actors to be healthy, then
// builds the sensor list from the first telemetry snapshot so only
// attributes the gateway actually reports get an entity.
type HADiscoveryActor struct {
	config              *config.Config
	behavior            actor.Behavior
	stash               *actorutil.Stash
	gatewayActor        *actor.PID
	mqttActor           *actor.PID
	gatewayActorHealthy bool
	mqttActorHealthy    bool
	healthyRecv         int

	gatewayInfo *domain.GatewayDeviceInfo

	logger *zap.Logger
}

func NewHADiscoveryActor(config *config.Config, gatewayActor *actor.PID, mqttActor *actor.PID, logger *zap.Logger) *HADiscoveryActor {
	act := &HADiscoveryActor{
		config:       config,
		gatewayActor: gatewayActor,
		mqttActor:    mqttActor,
		behavior:     actor.NewBehavior(),
		stash:        &actorutil.Stash{},
		logger:       actorutil.ActorLogger(domain.ACTOR_ID_HA_DISCOVERY, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *HADiscoveryActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *HADiscoveryActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("hadiscovery@starting started")

		// Check Gateway and MQTT actor healthy
		state.healthyRecv = 0
		state.gatewayActorHealthy = false
		state.mqttActorHealthy = false
		// Gateway Actor Request
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.gatewayActor, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_GATEWAY,
				Healthy: false,
			}
		})
		// MQTT Actor Request
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_MQTT,
				Healthy: false,
			}
		})
		state.behavior.Become(state.WaitingHealthyReceive)
	case *actor.Restarting:
	default:
		state.logger.Debug("hadiscovery@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) WaitingHealthyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthResponse:
		state.logger.Debug("hadiscovery@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.healthyRecv++
		if msg.Healthy {
			switch msg.Id {
			case domain.ACTOR_ID_GATEWAY:
				state.gatewayActorHealthy = true
			case domain.ACTOR_ID_MQTT:
				state.mqttActorHealthy = true
			}
		}
		if state.healthyRecv == 2 {

			if state.gatewayActorHealthy && state.mqttActorHealthy {
				// Ask Gateway GetGatewayInfoRequest
				actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.gatewayActor, domain.GetGatewayInfoRequest{}, 2*time.Second), func(err error) any {
					return domain.GetGatewayInfoResponse{
						ActorResponseMixIn: domain.ActorResponseMixIn{
							ResponseError: err,
						},
					}
				})
				state.behavior.Become(state.WaitingInfoReceive)
				state.stash.UnstashAll(ctx)
			} else {
				panic(errors.New("MQTT Actor or Gateway Actor are not healthy"))
			}
		}
	default:
		state.logger.Debug("hadiscovery@healthcheck: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) WaitingInfoReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.GetGatewayInfoResponse:
		if msg.HasResponseError() {
			panic(msg.GetResponseError())
		}
		state.logger.Debug("hadiscovery@info: GetGatewayInfoResponse", zap.Any("response", msg))
		state.gatewayInfo = msg.Info

		// first snapshot decides which sensors exist
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.gatewayActor, domain.GetTelemetryRequest{}, 60*time.Second), func(err error) any {
			return domain.GetTelemetryResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{
					ResponseError: err,
				},
			}
		})
		state.behavior.Become(state.WaitingTelemetryReceive)
	default:
		state.logger.Debug("hadiscovery@info: default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *HADiscoveryActor) WaitingTelemetryReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.GetTelemetryResponse:
		if msg.HasResponseError() {
			panic(msg.GetResponseError())
		}
		state.logger.Debug("hadiscovery@telemetry: GetTelemetryResponse")

		var sensors []domain.GenericSensor

		bridgeDevice := domain.BridgeDevice(state.config.MQTT.BaseTopic)
		sensors = append(sensors, domain.BridgeSensors(bridgeDevice)...)

		gatewayDevice := domain.GatewayDevice(state.gatewayInfo)
		gatewayDevice.ViaDevice = bridgeDevice.Id
		gatewaySensors := domain.GatewaySensors(gatewayDevice, msg.Snapshot)
		for i := range gatewaySensors {
			if i > 0 {
				gatewaySensors[i].Device = domain.IdDevice(gatewayDevice)
			}
			sensors = append(sensors, gatewaySensors[i])
		}

		// stable device order for the per-panel entities
		serials := make([]string, 0, len(msg.Snapshot.Inverters))
		for serial := range msg.Snapshot.Inverters {
			serials = append(serials, serial)
		}
		sort.Strings(serials)
		for _, serial := range serials {
			inverterDevice := domain.InverterDevice(gatewayDevice, serial)
			inverterSensors := domain.InverterSensors(inverterDevice, serial)
			for i := range inverterSensors {
				if i > 0 {
					inverterSensors[i].Device = domain.IdDevice(inverterDevice)
				}
				sensors = append(sensors, inverterSensors[i])
			}
		}

		ctx.Send(state.mqttActor, domain.PublishDiscoveryRequest{
			Sensors: sensors,
		})
		state.behavior.Become(state.Done)
	default:
		state.logger.Debug("hadiscovery@telemetry: default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *HADiscoveryActor) Done(ctx actor.Context) {

}
