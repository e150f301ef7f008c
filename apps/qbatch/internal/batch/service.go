// Package batch assembles a runnable pipeline from project settings and the
// environment: backend, secret sources, report sinks and the run lock.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/quatton/qbatch/pkg/db"
	"github.com/quatton/qbatch/pkg/k8s"
	"github.com/quatton/qbatch/pkg/kv"
	"github.com/quatton/qbatch/pkg/qart"
	"github.com/quatton/qbatch/pkg/qconfig"
	"github.com/quatton/qbatch/pkg/qengine"
	"github.com/quatton/qbatch/pkg/qgraph"
	"github.com/quatton/qbatch/pkg/qlog"
	"github.com/quatton/qbatch/pkg/qnotify"
	"github.com/quatton/qbatch/pkg/qpipeline"
	"github.com/quatton/qbatch/pkg/qreport"
	"github.com/quatton/qbatch/pkg/qrunner"
	"github.com/quatton/qbatch/pkg/qsecret"
	"github.com/quatton/qbatch/pkg/qtrigger"
	"github.com/uptrace/bun"
	"k8s.io/client-go/kubernetes"
)

const defaultNamespace = "default"

type Service struct {
	Settings *qconfig.Settings
	Env      *qconfig.EnvConfig
	Pipeline *qpipeline.Pipeline
	Graph    *qgraph.Graph

	runner    qrunner.JobRunner
	resolver  qsecret.Resolver
	store     kv.Store
	artifacts qart.Store
	database  *bun.DB
	k8sClient kubernetes.Interface

	reports *qreport.KVSink
	sinks   qreport.Multi
	lock    *qtrigger.Lock
	logger  *qlog.Logger
	closers []func() error
}

type Option func(*Service)

// WithRunner replaces the backend chosen by settings.
func WithRunner(r qrunner.JobRunner) Option {
	return func(s *Service) { s.runner = r }
}

// WithResolver replaces the secret chain built from settings.
func WithResolver(r qsecret.Resolver) Option {
	return func(s *Service) { s.resolver = r }
}

// WithStore replaces the KV store (Valkey, or in-memory without REDIS_ADDR).
func WithStore(store kv.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithArtifacts replaces the S3 artifact store.
func WithArtifacts(store qart.Store) Option {
	return func(s *Service) { s.artifacts = store }
}

// WithKubernetes sets the client used by the k8s backend and secret source.
func WithKubernetes(client kubernetes.Interface) Option {
	return func(s *Service) { s.k8sClient = client }
}

func WithLogger(l *qlog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService loads and validates the pipeline, then connects every
// collaborator the environment configures. Close releases them.
func NewService(ctx context.Context, settings *qconfig.Settings, env *qconfig.EnvConfig, opts ...Option) (*Service, error) {
	if env == nil {
		env = &qconfig.EnvConfig{}
	}
	s := &Service{Settings: settings, Env: env}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = qlog.NewDefault()
	}

	pipeline, err := qpipeline.Load(settings.PipelinePath())
	if err != nil {
		return nil, err
	}
	if settings.Image != "" && pipeline.Defaults.Image == "" {
		pipeline.Defaults.Image = settings.Image
	}
	graph, err := pipeline.Graph()
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", pipeline.Name, err)
	}
	s.Pipeline = pipeline
	s.Graph = graph
	s.logger = s.logger.With("pipeline", pipeline.Name)

	if err := s.connect(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) connect(ctx context.Context) error {
	if s.store == nil {
		if cfg, ok := s.Env.Valkey(); ok {
			store, err := kv.NewValkeyStore(ctx, cfg)
			if err != nil {
				return err
			}
			s.store = store
		} else {
			s.logger.Debug("REDIS_ADDR not set, keeping reports in memory")
			s.store = kv.NewMemoryStore()
		}
		s.closers = append(s.closers, s.store.Close)
	}

	if s.artifacts == nil {
		if cfg, ok := s.Env.S3(); ok {
			store, err := qart.NewS3Store(cfg)
			if err != nil {
				return err
			}
			if err := store.EnsureBucket(ctx); err != nil {
				return err
			}
			s.artifacts = store
		}
	}

	if s.Env.DBEnabled {
		database, err := db.New(ctx, s.Env.DB)
		if err != nil {
			return err
		}
		s.database = database
		s.closers = append(s.closers, database.Close)
	}

	if s.runner == nil {
		runner, err := s.newRunner()
		if err != nil {
			return err
		}
		s.runner = runner
	}

	if s.resolver == nil {
		resolver, err := s.newResolver()
		if err != nil {
			return err
		}
		s.resolver = resolver
	}

	s.reports = qreport.NewKVSink(s.store, s.Env.ReportTTL)
	s.sinks = qreport.Multi{s.reports}
	if s.artifacts != nil {
		s.sinks = append(s.sinks, qreport.NewArchiveSink(s.artifacts))
	}
	if s.database != nil {
		s.sinks = append(s.sinks, qreport.NewDBSink(s.database))
	}
	if s.Env.WebhookURL != "" {
		s.sinks = append(s.sinks, qnotify.NewWebhookNotifier(s.Env.WebhookURL))
	}

	s.lock = qtrigger.NewLock(s.store, s.Pipeline.Name, 0, s.logger)
	return nil
}

func (s *Service) kubeClient() (kubernetes.Interface, error) {
	if s.k8sClient == nil {
		client, err := k8s.NewClient()
		if err != nil {
			return nil, fmt.Errorf("creating kubernetes client: %w", err)
		}
		s.k8sClient = client
	}
	return s.k8sClient, nil
}

func (s *Service) namespace() string {
	if s.Env.K8sNamespace != "" {
		return s.Env.K8sNamespace
	}
	return k8s.Namespace(defaultNamespace)
}

func (s *Service) containerConfig() qrunner.ContainerConfig {
	cfg := qrunner.DefaultContainerConfig()
	cfg.Image = s.Pipeline.Defaults.Image
	return cfg
}

func (s *Service) newRunner() (qrunner.JobRunner, error) {
	switch s.Settings.Backend {
	case qconfig.BackendK8s:
		client, err := s.kubeClient()
		if err != nil {
			return nil, err
		}
		opts := []qrunner.K8sRunnerOption{qrunner.WithContainerConfig(s.containerConfig())}
		if s.Env.K8sQueue != "" {
			opts = append(opts, qrunner.WithQueue(s.Env.K8sQueue))
		}
		return qrunner.NewK8sRunner(client, s.namespace(), opts...), nil

	case qconfig.BackendDocker:
		runner, err := qrunner.NewDockerRunner(qrunner.WithDockerContainerConfig(s.containerConfig()))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, runner.Close)
		return runner, nil

	case qconfig.BackendLocal, "":
		opts := []qrunner.LocalRunnerOption{
			qrunner.WithBaseDir(s.Settings.ProjectDir()),
			qrunner.WithWorkDir(s.Settings.WorkingDir()),
		}
		if s.artifacts != nil {
			opts = append(opts, qrunner.WithArtifactStore(s.artifacts))
		}
		return qrunner.NewLocalRunner(opts...), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", s.Settings.Backend)
	}
}

func (s *Service) newResolver() (qsecret.Resolver, error) {
	var chain qsecret.Chain
	for _, src := range s.Settings.Secrets {
		switch src {
		case qconfig.SecretsEnv:
			chain = append(chain, qsecret.EnvResolver{})
		case qconfig.SecretsKeyring:
			chain = append(chain, qsecret.KeyringResolver{})
		case qconfig.SecretsK8s:
			client, err := s.kubeClient()
			if err != nil {
				return nil, err
			}
			chain = append(chain, qsecret.NewK8sResolver(client, s.namespace()))
		default:
			return nil, fmt.Errorf("unknown secret source %q", src)
		}
	}
	return chain, nil
}

// RunOptions select what one run executes.
type RunOptions struct {
	// RunID is generated when empty.
	RunID string
	// RerunFailed restricts the run to the jobs that did not succeed in the
	// pipeline's latest report.
	RerunFailed bool
	Observer    qengine.Observer
}

// Run executes the pipeline and publishes the report to every sink. Sink
// failures are logged; the report is still returned.
func (s *Service) Run(ctx context.Context, opts RunOptions) (*qengine.RunReport, error) {
	graph := s.Graph
	var presatisfied []string

	if opts.RerunFailed {
		last, err := s.reports.Latest(ctx, s.Pipeline.Name)
		switch {
		case errors.Is(err, qreport.ErrNotFound):
			s.logger.Warn("no previous report, running every job")
		case err != nil:
			return nil, fmt.Errorf("loading latest report: %w", err)
		default:
			graph, presatisfied, err = qengine.RerunGraph(s.Graph, last)
			if err != nil {
				return nil, err
			}
			s.logger.Info("rerunning unresolved jobs", "previous_run", last.RunID, "jobs", graph.Names(), "presatisfied", presatisfied)
		}
	}

	engine := qengine.New(
		qengine.WithRunID(opts.RunID),
		qengine.WithPipeline(s.Pipeline.Name),
		qengine.WithConcurrency(s.Settings.Concurrency),
		qengine.WithJobTimeout(s.Settings.JobTimeout),
		qengine.WithResolver(s.resolver),
		qengine.WithLogger(s.logger),
		qengine.WithPresatisfied(presatisfied),
		qengine.WithObserver(opts.Observer),
	)

	report, err := engine.Run(ctx, graph, s.runner)
	if err != nil {
		return nil, err
	}

	if err := s.sinks.Publish(context.WithoutCancel(ctx), report); err != nil {
		s.logger.Error("publishing report", "run_id", report.RunID, "error", err)
	}
	return report, nil
}

// RunExclusive is Run under the pipeline lock shared with the scheduler.
func (s *Service) RunExclusive(ctx context.Context, opts RunOptions) (*qengine.RunReport, error) {
	return s.lock.Do(ctx, func(ctx context.Context) (*qengine.RunReport, error) {
		return s.Run(ctx, opts)
	})
}

// Trigger returns the cron trigger for the pipeline's schedule.
func (s *Service) Trigger() (*qtrigger.Trigger, error) {
	if s.Pipeline.Schedule == "" {
		return nil, fmt.Errorf("pipeline %s has no schedule", s.Pipeline.Name)
	}
	return qtrigger.New(s.Pipeline.Name, s.Pipeline.Schedule, func(ctx context.Context) (*qengine.RunReport, error) {
		return s.Run(ctx, RunOptions{})
	}, qtrigger.WithLocks(s.store), qtrigger.WithLogger(s.logger))
}

// Runner exposes the backend, for log retrieval.
func (s *Service) Runner() qrunner.JobRunner {
	return s.runner
}

func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
