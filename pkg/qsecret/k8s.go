package qsecret

import (
	"context"
	"fmt"

	"github.com/quatton/qbatch/pkg/qjob"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// K8sResolver reads keys out of Kubernetes Secrets in one namespace.
type K8sResolver struct {
	client    kubernetes.Interface
	namespace string
}

func NewK8sResolver(client kubernetes.Interface, namespace string) *K8sResolver {
	return &K8sResolver{client: client, namespace: namespace}
}

func (r *K8sResolver) Resolve(ctx context.Context, ref qjob.SecretRef) (string, error) {
	secret, err := r.client.CoreV1().Secrets(r.namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", &SecretNotFoundError{Ref: ref, Source: "k8s"}
		}
		return "", fmt.Errorf("reading secret %s/%s: %w", r.namespace, ref.Name, err)
	}

	if v, ok := secret.Data[ref.Key]; ok {
		return string(v), nil
	}
	if v, ok := secret.StringData[ref.Key]; ok {
		return v, nil
	}
	return "", &SecretNotFoundError{Ref: ref, Source: "k8s"}
}

var _ Resolver = (*K8sResolver)(nil)
