package qrunner

import (
	"github.com/docker/docker/api/types/container"
	corev1 "k8s.io/api/core/v1"
)

// ContainerConfig represents configuration shared between container-based runners
// (Docker, K8s) for launching jobs
type ContainerConfig struct {
	// Image is used when a job does not name its own image
	Image string

	// Resources defines CPU and memory constraints
	Resources ResourceRequirements

	// NetworkMode defines the docker network configuration (e.g., "host", "bridge")
	NetworkMode string
}

// ResourceRequirements defines CPU and memory constraints in a format
// that can be translated to Docker or Kubernetes resource specifications
type ResourceRequirements struct {
	// CPU request in Kubernetes format (e.g., "100m", "1", "2")
	CPURequest string

	// Memory request in Kubernetes format (e.g., "128Mi", "1Gi")
	MemoryRequest string

	// CPU limit in Kubernetes format
	CPULimit string

	// Memory limit in Kubernetes format
	MemoryLimit string
}

func (r ResourceRequirements) k8s() (corev1.ResourceRequirements, error) {
	out := corev1.ResourceRequirements{}
	set := func(list *corev1.ResourceList, name corev1.ResourceName, value string) error {
		if value == "" {
			return nil
		}
		q, err := parseQuantity(string(name), value)
		if err != nil {
			return err
		}
		if *list == nil {
			*list = corev1.ResourceList{}
		}
		(*list)[name] = q
		return nil
	}

	for _, item := range []struct {
		list  *corev1.ResourceList
		name  corev1.ResourceName
		value string
	}{
		{&out.Requests, corev1.ResourceCPU, r.CPURequest},
		{&out.Requests, corev1.ResourceMemory, r.MemoryRequest},
		{&out.Limits, corev1.ResourceCPU, r.CPULimit},
		{&out.Limits, corev1.ResourceMemory, r.MemoryLimit},
	} {
		if err := set(item.list, item.name, item.value); err != nil {
			return corev1.ResourceRequirements{}, err
		}
	}
	return out, nil
}

// docker translates the limits; docker has no notion of requests.
func (r ResourceRequirements) docker() (container.Resources, error) {
	var out container.Resources
	if r.CPULimit != "" {
		q, err := parseQuantity("cpu", r.CPULimit)
		if err != nil {
			return out, err
		}
		out.NanoCPUs = q.MilliValue() * 1_000_000
	}
	if r.MemoryLimit != "" {
		q, err := parseQuantity("memory", r.MemoryLimit)
		if err != nil {
			return out, err
		}
		out.Memory = q.Value()
	}
	return out, nil
}

// DefaultContainerConfig returns sensible defaults for container configuration
func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{
		Resources: ResourceRequirements{
			CPURequest:    "100m",
			MemoryRequest: "128Mi",
			CPULimit:      "1",
			MemoryLimit:   "512Mi",
		},
		NetworkMode: "bridge",
	}
}
