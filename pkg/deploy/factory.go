package deploy

import (
	"iccagent/pkg/config"
	"iccagent/pkg/deploy/k8s"
	"iccagent/pkg/interfaces"
)

// CreateDeploymentProvider creates deployment provider
func CreateDeploymentProvider(cfg *config.Config) (interfaces.DeploymentProvider, error) {
	if cfg.Runtime.K8s.Enabled {
		return k8s.NewK8sDeploymentProvider(cfg.Runtime.K8s.Namespace)
	}
	return NewNoopProvider(), nil
}
