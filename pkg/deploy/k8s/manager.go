package k8s

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Manager adjusts the Deployments backing each application. One
// application maps to one Deployment whose replica count is the
// worker count.
type Manager struct {
	client    kubernetes.Interface
	namespace string
}

// NewManager creates a K8s manager using the in-cluster config, or
// the local kubeconfig when running outside a cluster.
func NewManager(namespace string) (*Manager, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		// If not in cluster, try to use kubeconfig
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		configOverrides := &clientcmd.ConfigOverrides{}
		kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides)
		config, err = kubeConfig.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get kubernetes config: %v", err)
		}
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %v", err)
	}

	return &Manager{client: client, namespace: namespace}, nil
}

// ScaleDeployment updates the desired replica count for an application.
func (m *Manager) ScaleDeployment(ctx context.Context, application string, replicas int) error {
	if replicas < 0 {
		return fmt.Errorf("replicas cannot be negative")
	}

	deployments := m.client.AppsV1().Deployments(m.namespace)
	deployment, err := deployments.Get(ctx, application, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to get deployment: %v", err)
	}

	r := int32(replicas)
	deployment.Spec.Replicas = &r

	if _, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to scale deployment: %v", err)
	}
	return nil
}

// GetReplicas returns the desired replica count for an application.
func (m *Manager) GetReplicas(ctx context.Context, application string) (int, error) {
	deployment, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, application, metav1.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to get deployment: %v", err)
	}
	return desiredReplicas(deployment), nil
}

func desiredReplicas(d *appsv1.Deployment) int {
	if d.Spec.Replicas == nil {
		return 0
	}
	return int(*d.Spec.Replicas)
}
