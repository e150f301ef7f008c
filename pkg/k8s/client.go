// Package k8s holds the Kubernetes plumbing shared by the job runner and the
// secret resolver.
package k8s

import (
	"os"
	"strings"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const serviceAccountNamespace = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// NewClient builds a clientset from GetConfig.
func NewClient() (kubernetes.Interface, error) {
	config, err := GetConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(config)
}

// GetConfig prefers the in-cluster service account (the scheduler running as
// a CronJob or Deployment) and falls back to the standard kubeconfig loading
// rules: every file in KUBECONFIG, then ~/.kube/config.
func GetConfig() (*rest.Config, error) {
	if config, err := rest.InClusterConfig(); err == nil {
		return config, nil
	}
	return kubeconfig().ClientConfig()
}

// Namespace returns the pod's namespace in-cluster, else the namespace of the
// current kubeconfig context, else fallback.
func Namespace(fallback string) string {
	if data, err := os.ReadFile(serviceAccountNamespace); err == nil {
		if ns := strings.TrimSpace(string(data)); ns != "" {
			return ns
		}
	}
	if ns, overridden, err := kubeconfig().Namespace(); err == nil && (overridden || ns != "default") {
		return ns
	}
	return fallback
}

func kubeconfig() clientcmd.ClientConfig {
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{},
	)
}
