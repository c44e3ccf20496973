package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/berfenger/envoy2mqtt/internal/core/domain"
	"github.com/berfenger/envoy2mqtt/internal/core/port"
	"github.com/berfenger/envoy2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

const (
	openTimeout   = 60 * time.Second
	updateTimeout = 30 * time.Second
)

// EnvoyActor owns the gateway reader. Update cycles run as background
// tasks while the actor stashes, so the device never sees concurrent
// sessions.
type EnvoyActor struct {
	behavior actor.Behavior
	stash    *actorutil.Stash
	gateway  port.GatewayService
	logger   *zap.Logger
}

type backgroundTaskResult struct {
	message any
	replyTo *actor.PID
}

func NewEnvoyActor(gateway port.GatewayService, logger *zap.Logger) *EnvoyActor {
	act := &EnvoyActor{
		gateway:  gateway,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_GATEWAY, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *EnvoyActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *EnvoyActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("gateway@starting started")
		openCtx, cancel := context.WithTimeout(context.Background(), openTimeout)
		defer cancel()
		if err := state.gateway.Open(openCtx); err != nil {
			panic(err)
		}
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
	default:
		state.logger.Debug("gateway@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *EnvoyActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("gateway@default: ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_GATEWAY,
			Healthy: true,
			State:   "idle",
		})
	case domain.GetGatewayInfoRequest:
		state.logger.Debug("gateway@default: GetGatewayInfoRequest")
		actorutil.ForRequest(msg).Respond(ctx, domain.GetGatewayInfoResponse{
			Info: state.gateway.Info(),
		})
	case domain.GetTelemetryRequest:
		state.logger.Debug("gateway@default: GetTelemetryRequest")
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)

		actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, state.getTelemetry),
			mapTaskResult[domain.GetTelemetryResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.GetTelemetryResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: err,
					},
				},
				replyTo: sender,
			}
		}).WithTimeout(updateTimeout).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingGateway)
	default:
		state.logger.Debug("gateway@default default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *EnvoyActor) WaitingGateway(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case backgroundTaskResult:
		state.logger.Debug("gateway@waiting backgroundTaskResult", zap.String("type", fmt.Sprintf("%T", msg.message)))
		ctx.Send(msg.replyTo, msg.message)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("gateway@waiting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (a *EnvoyActor) getTelemetry() (*domain.GetTelemetryResponse, error) {
	updateCtx, cancel := context.WithTimeout(context.Background(), updateTimeout)
	defer cancel()

	if err := a.gateway.Update(updateCtx); err != nil {
		return nil, err
	}
	return &domain.GetTelemetryResponse{
		Snapshot: a.gateway.Snapshot(),
	}, nil
}

func mapTaskResult[T any](sender *actor.PID) func(t *T) *backgroundTaskResult {
	return func(t *T) *backgroundTaskResult {
		return &backgroundTaskResult{
			message: *t,
			replyTo: sender,
		}
	}
}
