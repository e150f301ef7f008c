package qrunner

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quatton/qbatch/pkg/k8s"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"
)

const (
	k8sBackend = "k8s"

	LabelRunID = "qbatch.io/run-id"
	LabelJob   = "qbatch.io/job"

	defaultPollInterval = 2 * time.Second
	defaultTTL          = int32(3600)
)

// K8sRunner executes each dispatch as a Kubernetes Job, optionally queued
// through Kueue.
type K8sRunner struct {
	jobManager   *k8s.JobManager
	queueName    string
	config       ContainerConfig
	pollInterval time.Duration
	ttl          int32
	keepJobs     bool
}

type K8sRunnerOption func(*K8sRunner)

// WithQueue submits Jobs suspended with the Kueue queue label; Kueue
// unsuspends them when admitted.
func WithQueue(name string) K8sRunnerOption {
	return func(r *K8sRunner) { r.queueName = name }
}

// WithContainerConfig sets the default image and resources of the pods.
func WithContainerConfig(cfg ContainerConfig) K8sRunnerOption {
	return func(r *K8sRunner) { r.config = cfg }
}

func WithPollInterval(d time.Duration) K8sRunnerOption {
	return func(r *K8sRunner) { r.pollInterval = d }
}

// WithKeepJobs leaves finished Jobs in the cluster instead of deleting them
// after Await; the TTL controller still removes them eventually.
func WithKeepJobs(keep bool) K8sRunnerOption {
	return func(r *K8sRunner) { r.keepJobs = keep }
}

// NewK8sRunner creates a Kubernetes runner for one namespace
func NewK8sRunner(client kubernetes.Interface, namespace string, opts ...K8sRunnerOption) *K8sRunner {
	r := &K8sRunner{
		jobManager:   k8s.NewJobManager(client, namespace),
		config:       DefaultContainerConfig(),
		pollInterval: defaultPollInterval,
		ttl:          defaultTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// k8sName turns a job name into a DNS-1123 label fragment.
func k8sName(s string) string {
	s = invalidNameChars.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

func (r *K8sRunner) jobName(req JobRequest) string {
	suffix := uuid.New().String()[:8]
	base := k8sName(req.Job)
	if base == "" {
		base = "job"
	}
	// Job names feed the pod's job-name label, so stay within 63 characters.
	if limit := 63 - len("qbatch--") - len(suffix); len(base) > limit {
		base = strings.Trim(base[:limit], "-")
	}
	return fmt.Sprintf("qbatch-%s-%s", base, suffix)
}

func (r *K8sRunner) buildJob(req JobRequest) (*batchv1.Job, error) {
	image := req.Image
	if image == "" {
		image = r.config.Image
	}
	if image == "" {
		return nil, fmt.Errorf("job %s has no image", req.Job)
	}

	resources, err := r.config.Resources.k8s()
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		LabelRunID: k8sName(req.RunID),
		LabelJob:   k8sName(req.Job),
	}
	for k, v := range req.Labels {
		labels[k] = v
	}
	suspend := false
	if r.queueName != "" {
		labels[k8s.KueueQueueLabel] = r.queueName
		suspend = true
	}

	env := make([]corev1.EnvVar, 0, len(req.Env))
	for _, e := range req.Env {
		env = append(env, corev1.EnvVar{Name: e.Name, Value: e.Value})
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   r.jobName(req),
			Labels: labels,
			Annotations: map[string]string{
				"qbatch.io/job-name": req.Job,
			},
		},
		Spec: batchv1.JobSpec{
			Parallelism:             ptr.To(int32(1)),
			Completions:             ptr.To(int32(1)),
			Suspend:                 ptr.To(suspend),
			BackoffLimit:            ptr.To(int32(0)),
			TTLSecondsAfterFinished: ptr.To(r.ttl),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:            "main",
							Image:           image,
							ImagePullPolicy: corev1.PullAlways,
							Args:            append([]string(nil), req.Command...),
							Env:             env,
							Resources:       resources,
						},
					},
				},
			},
		},
	}, nil
}

// Submit creates the Kubernetes Job
func (r *K8sRunner) Submit(ctx context.Context, req JobRequest) (*JobHandle, error) {
	job, err := r.buildJob(req)
	if err != nil {
		return nil, err
	}

	created, err := r.jobManager.CreateJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	return &JobHandle{
		ID:      created.Name,
		Job:     req.Job,
		Backend: k8sBackend,
		Metadata: map[string]string{
			"k8s_job_name":  created.Name,
			"k8s_namespace": r.jobManager.Namespace(),
		},
	}, nil
}

// Await polls the Job until it completes, fails or the timeout elapses.
func (r *K8sRunner) Await(ctx context.Context, h *JobHandle, timeout time.Duration) (*Result, error) {
	var job *batchv1.Job
	condition := func(ctx context.Context) (bool, error) {
		j, err := r.jobManager.GetJob(ctx, h.ID)
		if err != nil {
			return false, err
		}
		job = j
		return jobStatusToRunStatus(j).IsTerminal(), nil
	}

	var err error
	if timeout > 0 {
		err = wait.PollUntilContextTimeout(ctx, r.pollInterval, timeout, true, condition)
	} else {
		err = wait.PollUntilContextCancel(ctx, r.pollInterval, true, condition)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if wait.Interrupted(err) {
			return &Result{Status: RunStatusTimedOut, Reason: fmt.Sprintf("exceeded %s", timeout)}, nil
		}
		if apierrors.IsNotFound(err) {
			return &Result{Status: RunStatusCancelled, Reason: "job deleted"}, nil
		}
		return nil, fmt.Errorf("waiting for job %s: %w", h.ID, err)
	}

	res := r.result(ctx, job)

	if !r.keepJobs {
		if err := r.jobManager.DeleteJob(ctx, h.ID); err != nil && !apierrors.IsNotFound(err) {
			return res, fmt.Errorf("deleting finished job %s: %w", h.ID, err)
		}
	}
	return res, nil
}

func (r *K8sRunner) result(ctx context.Context, job *batchv1.Job) *Result {
	res := &Result{Status: jobStatusToRunStatus(job)}

	if job.Status.StartTime != nil {
		res.StartedAt = &job.Status.StartTime.Time
	}
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			res.FinishedAt = &c.LastTransitionTime.Time
		case batchv1.JobFailed:
			res.FinishedAt = &c.LastTransitionTime.Time
			res.Reason = c.Reason
			if c.Message != "" {
				res.Reason += ": " + c.Message
			}
		}
	}

	// Exit code lives on the pod
	pods, err := r.jobManager.GetJobPods(ctx, job.Name)
	if err == nil && len(pods.Items) > 0 {
		pod := &pods.Items[0]
		if res.StartedAt == nil && pod.Status.StartTime != nil {
			res.StartedAt = &pod.Status.StartTime.Time
		}
		for _, status := range pod.Status.ContainerStatuses {
			if status.State.Terminated != nil {
				exitCode := int(status.State.Terminated.ExitCode)
				res.ExitCode = &exitCode
				if res.Reason == "" && exitCode != 0 {
					res.Reason = status.State.Terminated.Reason
				}
			}
		}
	}
	return res
}

// Cancel deletes the Job and its pods
func (r *K8sRunner) Cancel(ctx context.Context, h *JobHandle) error {
	err := r.jobManager.DeleteJob(ctx, h.ID)
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// GetLogs returns the logs of the Job's first pod
func (r *K8sRunner) GetLogs(ctx context.Context, h *JobHandle) (string, error) {
	pods, err := r.jobManager.GetJobPods(ctx, h.ID)
	if err != nil {
		return "", fmt.Errorf("listing pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return "", fmt.Errorf("no pods found for job %s", h.ID)
	}
	return r.jobManager.GetPodLogs(ctx, pods.Items[0].Name)
}

func jobStatusToRunStatus(job *batchv1.Job) RunStatus {
	for _, condition := range job.Status.Conditions {
		if condition.Status != corev1.ConditionTrue {
			continue
		}
		if condition.Type == batchv1.JobComplete {
			return RunStatusSucceeded
		}
		if condition.Type == batchv1.JobFailed {
			return RunStatusFailed
		}
	}

	// Suspended jobs are waiting for Kueue admission
	if job.Spec.Suspend != nil && *job.Spec.Suspend {
		return RunStatusPending
	}
	if job.Status.Active > 0 {
		return RunStatusRunning
	}
	return RunStatusPending
}

func parseQuantity(name, s string) (resource.Quantity, error) {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return resource.Quantity{}, fmt.Errorf("invalid %s quantity %q: %w", name, s, err)
	}
	return q, nil
}

var (
	_ JobRunner = (*K8sRunner)(nil)
	_ LogSource = (*K8sRunner)(nil)
)
