// Package qjob holds the immutable job templates a pipeline is built from.
package qjob

import (
	"maps"
	"slices"
	"time"
)

// SecretRef points at a single key inside an external secret store entry.
type SecretRef struct {
	Name string `json:"name" yaml:"name"`
	Key  string `json:"key" yaml:"key"`
}

func (r SecretRef) String() string {
	return r.Name + "/" + r.Key
}

// EnvRequirement binds one environment variable to either a literal value or a
// secret reference. Exactly one of Value and Secret is meaningful: a non-nil
// Secret wins.
type EnvRequirement struct {
	Name   string     `json:"name" yaml:"name"`
	Value  string     `json:"value,omitempty" yaml:"value,omitempty"`
	Secret *SecretRef `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// IsSecret reports whether the value must come from the secret store.
func (e EnvRequirement) IsSecret() bool {
	return e.Secret != nil
}

// JobSpec describes one unit of work.
type JobSpec struct {
	Name    string            `json:"name"`
	Image   string            `json:"image,omitempty"`   // empty means the runner default
	Command []string          `json:"command,omitempty"` // opaque argument sequence
	Env     []EnvRequirement  `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"` // zero means the engine default
	Labels  map[string]string `json:"labels,omitempty"`
}

// Clone returns a deep copy so callers can never mutate registered specs.
func (s JobSpec) Clone() JobSpec {
	out := s
	out.Command = slices.Clone(s.Command)
	out.Labels = maps.Clone(s.Labels)
	if s.Env != nil {
		out.Env = make([]EnvRequirement, len(s.Env))
		for i, e := range s.Env {
			out.Env[i] = e
			if e.Secret != nil {
				ref := *e.Secret
				out.Env[i].Secret = &ref
			}
		}
	}
	return out
}

// Validate checks the structural rules every spec must satisfy.
func (s JobSpec) Validate() error {
	if s.Name == "" {
		return &InvalidSpecError{Reason: "job name is required"}
	}
	seen := make(map[string]bool, len(s.Env))
	for _, e := range s.Env {
		if e.Name == "" {
			return &InvalidSpecError{Job: s.Name, Reason: "env entry without a name"}
		}
		if seen[e.Name] {
			return &InvalidSpecError{Job: s.Name, Reason: "env " + e.Name + " bound twice"}
		}
		seen[e.Name] = true
		if e.Secret != nil && (e.Secret.Name == "" || e.Secret.Key == "") {
			return &InvalidSpecError{Job: s.Name, Reason: "env " + e.Name + " has an incomplete secret reference"}
		}
	}
	if s.Timeout < 0 {
		return &InvalidSpecError{Job: s.Name, Reason: "timeout must not be negative"}
	}
	return nil
}
