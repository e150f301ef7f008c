// Package iam authenticates API callers from their bearer token.
package iam

import (
	"github.com/quatton/qbatch/pkg/qauth"
	"github.com/quatton/qbatch/pkg/qlog"
)

type IAMService struct {
	auth   *qauth.Authenticator
	logger *qlog.Logger
}

// NewIAMService verifies tokens with auth. A nil logger discards.
func NewIAMService(auth *qauth.Authenticator, logger *qlog.Logger) *IAMService {
	if logger == nil {
		logger = qlog.NewDiscard()
	}
	return &IAMService{auth: auth, logger: logger}
}
