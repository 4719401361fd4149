package k8s

import (
	"context"
)

// K8sDeploymentProvider implements interfaces.DeploymentProvider on
// top of the Deployment manager.
type K8sDeploymentProvider struct {
	manager *Manager
}

// NewK8sDeploymentProvider creates a provider scoped to one namespace.
func NewK8sDeploymentProvider(namespace string) (*K8sDeploymentProvider, error) {
	manager, err := NewManager(namespace)
	if err != nil {
		return nil, err
	}
	return &K8sDeploymentProvider{manager: manager}, nil
}

func (p *K8sDeploymentProvider) ScaleApp(ctx context.Context, applicationID string, workerCount int) error {
	return p.manager.ScaleDeployment(ctx, applicationID, workerCount)
}

func (p *K8sDeploymentProvider) GetReplicas(ctx context.Context, applicationID string) (int, error) {
	return p.manager.GetReplicas(ctx, applicationID)
}
