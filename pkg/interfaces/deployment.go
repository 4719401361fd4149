package interfaces

import (
	"context"
)

// DeploymentProvider adjusts the replica count backing an application.
// Supports K8s and a noop provider for standalone/dev runs.
type DeploymentProvider interface {
	// ScaleApp sets the desired worker count for an application.
	ScaleApp(ctx context.Context, applicationID string, workerCount int) error

	// GetReplicas returns the current desired worker count.
	GetReplicas(ctx context.Context, applicationID string) (int, error)
}
