package qsecret

import (
	"context"
	"errors"
	"strings"

	"github.com/quatton/qbatch/pkg/qjob"
	"github.com/zalando/go-keyring"
)

const keyringService = "qbatch"

// KeyringResolver reads secrets from the OS keyring, which is handy on
// developer machines running the local backend.
type KeyringResolver struct {
	Service string
}

// keyringUser converts a reference into a stable keyring entry name.
func keyringUser(ref qjob.SecretRef) string {
	return strings.ToLower(strings.TrimSpace(ref.Name)) + "/" + strings.TrimSpace(ref.Key)
}

func (r KeyringResolver) service() string {
	if r.Service == "" {
		return keyringService
	}
	return r.Service
}

func (r KeyringResolver) Resolve(_ context.Context, ref qjob.SecretRef) (string, error) {
	v, err := keyring.Get(r.service(), keyringUser(ref))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", &SecretNotFoundError{Ref: ref, Source: "keyring"}
		}
		return "", err
	}
	return v, nil
}

// Store saves a secret value in the keyring.
func (r KeyringResolver) Store(ref qjob.SecretRef, value string) error {
	return keyring.Set(r.service(), keyringUser(ref), value)
}

// Delete removes a secret from the keyring.
func (r KeyringResolver) Delete(ref qjob.SecretRef) error {
	return keyring.Delete(r.service(), keyringUser(ref))
}
