package qsecret

import (
	"context"
	"errors"
	"testing"

	"github.com/quatton/qbatch/pkg/qerr"
	"github.com/quatton/qbatch/pkg/qjob"
	"github.com/zalando/go-keyring"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

var redisRef = qjob.SecretRef{Name: "redis-password", Key: "password"}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{"redis-password/password": "hunter2"}

	v, err := r.Resolve(context.Background(), redisRef)
	if err != nil || v != "hunter2" {
		t.Fatalf("expected hunter2, got %q (%v)", v, err)
	}

	_, err = r.Resolve(context.Background(), qjob.SecretRef{Name: "x", Key: "y"})
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !qerr.IsCode(err, qerr.CodeSecretNotFound) {
		t.Errorf("expected secret_not_found code")
	}
}

func TestEnvResolver(t *testing.T) {
	r := EnvResolver{}
	ref := qjob.SecretRef{Name: "travigo-mongodb-admin-travigo", Key: "connectionString.standard"}

	key := r.EnvKey(ref)
	if key != "QBATCH_SECRET_TRAVIGO_MONGODB_ADMIN_TRAVIGO_CONNECTIONSTRING_STANDARD" {
		t.Fatalf("unexpected env key %s", key)
	}

	if _, err := r.Resolve(context.Background(), ref); !IsNotFound(err) {
		t.Fatalf("expected not found before setting env, got %v", err)
	}

	t.Setenv(key, "mongodb://db")
	v, err := r.Resolve(context.Background(), ref)
	if err != nil || v != "mongodb://db" {
		t.Fatalf("expected mongodb://db, got %q (%v)", v, err)
	}
}

func TestEnvResolver_NoCaching(t *testing.T) {
	r := EnvResolver{Prefix: "TEST_SECRET"}
	t.Setenv(r.EnvKey(redisRef), "first")

	v, _ := r.Resolve(context.Background(), redisRef)
	if v != "first" {
		t.Fatalf("expected first, got %s", v)
	}

	t.Setenv(r.EnvKey(redisRef), "rotated")
	v, _ = r.Resolve(context.Background(), redisRef)
	if v != "rotated" {
		t.Fatalf("rotated secret not picked up, got %s", v)
	}
}

type failingResolver struct{ err error }

func (f failingResolver) Resolve(context.Context, qjob.SecretRef) (string, error) {
	return "", f.err
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	chain := Chain{
		StaticResolver{},
		StaticResolver{"redis-password/password": "from-second"},
	}

	v, err := chain.Resolve(ctx, redisRef)
	if err != nil || v != "from-second" {
		t.Fatalf("expected fall through to second resolver, got %q (%v)", v, err)
	}

	if _, err := chain.Resolve(ctx, qjob.SecretRef{Name: "a", Key: "b"}); !IsNotFound(err) {
		t.Fatalf("expected not found at chain end, got %v", err)
	}

	boom := errors.New("backend down")
	stopping := Chain{failingResolver{err: boom}, StaticResolver{"redis-password/password": "x"}}
	if _, err := stopping.Resolve(ctx, redisRef); !errors.Is(err, boom) {
		t.Fatalf("expected backend error to stop the chain, got %v", err)
	}
}

func TestK8sResolver(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "travigo-elasticsearch-user", Namespace: "default"},
		Data: map[string][]byte{
			"username": []byte("elastic"),
			"password": []byte("changeme"),
		},
	})
	r := NewK8sResolver(client, "default")
	ctx := context.Background()

	v, err := r.Resolve(ctx, qjob.SecretRef{Name: "travigo-elasticsearch-user", Key: "password"})
	if err != nil || v != "changeme" {
		t.Fatalf("expected changeme, got %q (%v)", v, err)
	}

	if _, err := r.Resolve(ctx, qjob.SecretRef{Name: "travigo-elasticsearch-user", Key: "token"}); !IsNotFound(err) {
		t.Errorf("expected not found for missing key, got %v", err)
	}
	if _, err := r.Resolve(ctx, qjob.SecretRef{Name: "missing", Key: "password"}); !IsNotFound(err) {
		t.Errorf("expected not found for missing secret, got %v", err)
	}
}

func TestKeyringResolver(t *testing.T) {
	keyring.MockInit()
	r := KeyringResolver{}
	ctx := context.Background()

	if _, err := r.Resolve(ctx, redisRef); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := r.Store(redisRef, "s3cret"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	v, err := r.Resolve(ctx, redisRef)
	if err != nil || v != "s3cret" {
		t.Fatalf("expected s3cret, got %q (%v)", v, err)
	}

	if err := r.Delete(redisRef); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := r.Resolve(ctx, redisRef); !IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
