// Package qpipeline loads pipeline definitions: the jobs of a batch, their
// dependencies, and the schedule that triggers them.
package qpipeline

import (
	"fmt"
	"os"
	"time"

	"github.com/quatton/qbatch/pkg/qgraph"
	"github.com/quatton/qbatch/pkg/qjob"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("45m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type Pipeline struct {
	Name     string        `yaml:"name"`
	Schedule string        `yaml:"schedule,omitempty"`
	Defaults Defaults      `yaml:"defaults,omitempty"`
	Jobs     []Job         `yaml:"jobs"`
	Edges    []qgraph.Edge `yaml:"edges,omitempty"`
}

// Defaults apply to every job that does not set its own value.
type Defaults struct {
	Image   string                `yaml:"image,omitempty"`
	Timeout Duration              `yaml:"timeout,omitempty"`
	Env     []qjob.EnvRequirement `yaml:"env,omitempty"`
}

// Job is one job entry. Exactly one of Dataset and Command is set.
type Job struct {
	Name      string                `yaml:"name"`
	Dataset   string                `yaml:"dataset,omitempty"`
	Command   []string              `yaml:"command,omitempty"`
	Image     string                `yaml:"image,omitempty"`
	Timeout   Duration              `yaml:"timeout,omitempty"`
	Env       []qjob.EnvRequirement `yaml:"env,omitempty"`
	DependsOn []string              `yaml:"dependsOn,omitempty"`
	Labels    map[string]string     `yaml:"labels,omitempty"`
}

// DatasetCommand is the importer invocation a dataset job runs.
func DatasetCommand(dataset string) []string {
	return []string{"data-importer", "dataset", "--id", dataset}
}

// Load reads and validates a pipeline file.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse validates data against the pipeline schema and decodes it.
func Parse(data []byte) (*Pipeline, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}

	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline YAML: %w", err)
	}
	return &p, nil
}

// Specs expands the jobs into JobSpecs. Default env comes first; a job that
// binds the same variable replaces the default.
func (p *Pipeline) Specs() []qjob.JobSpec {
	specs := make([]qjob.JobSpec, 0, len(p.Jobs))
	for _, j := range p.Jobs {
		spec := qjob.JobSpec{
			Name:    j.Name,
			Image:   j.Image,
			Command: j.Command,
			Timeout: time.Duration(j.Timeout),
			Labels:  j.Labels,
		}
		if j.Dataset != "" {
			spec.Command = DatasetCommand(j.Dataset)
		}
		if spec.Image == "" {
			spec.Image = p.Defaults.Image
		}
		if spec.Timeout == 0 {
			spec.Timeout = time.Duration(p.Defaults.Timeout)
		}

		own := make(map[string]bool, len(j.Env))
		for _, e := range j.Env {
			own[e.Name] = true
		}
		for _, e := range p.Defaults.Env {
			if !own[e.Name] {
				spec.Env = append(spec.Env, e)
			}
		}
		spec.Env = append(spec.Env, j.Env...)

		specs = append(specs, spec.Clone())
	}
	return specs
}

// GraphEdges merges dependsOn lists and explicit edges.
func (p *Pipeline) GraphEdges() []qgraph.Edge {
	edges := make([]qgraph.Edge, 0, len(p.Edges))
	for _, j := range p.Jobs {
		for _, dep := range j.DependsOn {
			edges = append(edges, qgraph.Edge{From: dep, To: j.Name})
		}
	}
	return append(edges, p.Edges...)
}

// Registry registers every job spec.
func (p *Pipeline) Registry() (*qjob.Registry, error) {
	reg := qjob.NewRegistry()
	for _, spec := range p.Specs() {
		if err := reg.Register(spec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Graph builds the validated job graph.
func (p *Pipeline) Graph() (*qgraph.Graph, error) {
	reg, err := p.Registry()
	if err != nil {
		return nil, err
	}
	return qgraph.Build(reg.Specs(), p.GraphEdges())
}
