package deploy

import (
	"context"

	"iccagent/pkg/logger"
)

// NoopProvider logs scale requests without applying them, for
// standalone and local development runs.
type NoopProvider struct{}

// NewNoopProvider creates a provider that applies nothing.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

func (p *NoopProvider) ScaleApp(ctx context.Context, applicationID string, workerCount int) error {
	logger.InfoCtx(ctx, "noop deployment provider: would scale %s to %d workers", applicationID, workerCount)
	return nil
}

func (p *NoopProvider) GetReplicas(ctx context.Context, applicationID string) (int, error) {
	return 0, nil
}
