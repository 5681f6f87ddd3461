package api

import (
	"context"

	"github.com/openfroyo/conveyor/pkg/edr"
	"github.com/openfroyo/conveyor/pkg/engine"
)

// TransferService is the part of the engine manager the API drives.
type TransferService interface {
	InitiateConsumer(ctx context.Context, req engine.TransferRequest) (*engine.TransferProcess, error)
	InitiateProvider(ctx context.Context, req engine.TransferRequest) (*engine.TransferProcess, error)
	Get(ctx context.Context, id string) (*engine.TransferProcess, error)
	List(ctx context.Context, opts engine.ListOptions) ([]*engine.TransferProcess, error)

	Terminate(ctx context.Context, id, reason string) (*engine.TransferProcess, error)
	Complete(ctx context.Context, id string) (*engine.TransferProcess, error)
	Suspend(ctx context.Context, id string) (*engine.TransferProcess, error)
	Resume(ctx context.Context, id string) (*engine.TransferProcess, error)
	Deprovision(ctx context.Context, id string) (*engine.TransferProcess, error)

	NotifyStarted(ctx context.Context, id string, address *engine.DataAddress) (*engine.TransferProcess, error)
	NotifyCompleted(ctx context.Context, id string) (*engine.TransferProcess, error)
	NotifySuspended(ctx context.Context, id string) (*engine.TransferProcess, error)
	NotifyTerminated(ctx context.Context, id, reason string) (*engine.TransferProcess, error)

	Execute(ctx context.Context, cmd engine.Command) error
}

var _ TransferService = (*engine.Manager)(nil)

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// DataPlane authorizes pull requests against running data flows.
type DataPlane interface {
	Authorize(ctx context.Context, processID, token string) (*engine.DataAddress, error)
}

// References looks up endpoint data references of started transfers.
type References interface {
	Get(processID string) (edr.EndpointDataReference, bool)
}
