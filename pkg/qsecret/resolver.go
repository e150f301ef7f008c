// Package qsecret resolves secret references into literal values at dispatch
// time. Resolvers never cache: a secret rotated between two runs is picked up
// by the next dispatch.
package qsecret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/quatton/qbatch/pkg/qerr"
	"github.com/quatton/qbatch/pkg/qjob"
)

// Resolver turns a secret reference into its current value.
type Resolver interface {
	Resolve(ctx context.Context, ref qjob.SecretRef) (string, error)
}

// SecretNotFoundError is returned when no value exists for a reference.
type SecretNotFoundError struct {
	Ref    qjob.SecretRef
	Source string
}

func (e *SecretNotFoundError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("secret %s not found", e.Ref)
	}
	return fmt.Sprintf("secret %s not found in %s", e.Ref, e.Source)
}

func (e *SecretNotFoundError) ErrorCode() qerr.Code { return qerr.CodeSecretNotFound }

// IsNotFound reports whether err is a SecretNotFoundError.
func IsNotFound(err error) bool {
	var nf *SecretNotFoundError
	return errors.As(err, &nf)
}

// StaticResolver serves values from a fixed map keyed by "name/key".
type StaticResolver map[string]string

func (s StaticResolver) Resolve(_ context.Context, ref qjob.SecretRef) (string, error) {
	v, ok := s[ref.String()]
	if !ok {
		return "", &SecretNotFoundError{Ref: ref, Source: "static"}
	}
	return v, nil
}

// EnvResolver reads QBATCH_SECRET_<NAME>_<KEY> from the process environment.
type EnvResolver struct {
	Prefix string // defaults to QBATCH_SECRET
}

// EnvKey returns the variable name a reference is looked up under.
func (r EnvResolver) EnvKey(ref qjob.SecretRef) string {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "QBATCH_SECRET"
	}
	return prefix + "_" + envToken(ref.Name) + "_" + envToken(ref.Key)
}

func (r EnvResolver) Resolve(_ context.Context, ref qjob.SecretRef) (string, error) {
	v, ok := os.LookupEnv(r.EnvKey(ref))
	if !ok {
		return "", &SecretNotFoundError{Ref: ref, Source: "env"}
	}
	return v, nil
}

func envToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

// Chain asks each resolver in turn. Only not-found falls through; any other
// error stops the chain.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, ref qjob.SecretRef) (string, error) {
	for _, r := range c {
		v, err := r.Resolve(ctx, ref)
		if err == nil {
			return v, nil
		}
		if !IsNotFound(err) {
			return "", err
		}
	}
	return "", &SecretNotFoundError{Ref: ref}
}
