package port

import (
	"context"

	"github.com/berfenger/envoy2mqtt/internal/core/domain"
	"github.com/berfenger/envoy2mqtt/pkg/envoy"
)

// GatewayService is the blocking device surface the gateway actor drives
// from background tasks. Open detects the model and authenticates; Update
// runs one full read cycle.
type GatewayService interface {
	Open(ctx context.Context) error
	Update(ctx context.Context) error
	Info() *domain.GatewayDeviceInfo
	Snapshot() *envoy.Snapshot
}
