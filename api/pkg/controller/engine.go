package controller

import (
	"context"

	"github.com/lisehq/lise/api/pkg/types"
)

// Engine is the controller's view of the container engine. The engine's
// namespace of running instances is external shared state: instances
// can disappear outside our control and Status must report that.
type Engine interface {
	// Build makes the image available locally (pulling or building as
	// the implementation sees fit).
	Build(ctx context.Context, image string) error

	// Run starts an instance of the image and returns its ID and the
	// endpoint where its desktop service is reachable.
	Run(ctx context.Context, image string, limits types.ResourceLimits) (containerID string, endpoint types.Endpoint, err error)

	// Stop stops and removes the instance. Stopping an unknown instance
	// is a no-op.
	Stop(ctx context.Context, containerID string) error

	// Status reports the instance's current state.
	Status(ctx context.Context, containerID string) (types.EngineStatus, error)
}
