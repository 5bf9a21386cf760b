package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// Environment variables read by the scan job entrypoint.
const (
	EnvJobScanID       = "SCAN_JOB_SCAN_ID"
	EnvJobRepositoryID = "SCAN_JOB_REPOSITORY_ID"
	EnvJobBranch       = "SCAN_JOB_BRANCH"
	EnvJobMaxRetries   = "SCAN_JOB_MAX_RETRIES"
	EnvReportingURL    = "SCAN_REPORTING_BASE_URL"
	EnvReportingToken  = "SCAN_REPORTING_TOKEN"
)

const (
	jobContainerName = "scanner"
	labelApp         = "app.kubernetes.io/name"
	labelComponent   = "app.kubernetes.io/component"
	labelScanID      = "scan-armada/scan-id"
)

// JobConfig describes the container every scan job runs in.
type JobConfig struct {
	Namespace      string
	Image          string
	ServiceAccount string

	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string

	// BackoffLimit is the number of pod restarts Kubernetes performs when
	// the container crashes.
	BackoffLimit     int32
	TTLAfterFinished time.Duration
	ActiveDeadline   time.Duration

	ReportingURL    string
	TokenSecretName string
	TokenSecretKey  string
}

// DefaultJobConfig returns the resource envelope used when nothing is
// configured.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		Namespace:        "default",
		CPURequest:       "500m",
		CPULimit:         "2",
		MemoryRequest:    "1Gi",
		MemoryLimit:      "4Gi",
		BackoffLimit:     1,
		TTLAfterFinished: time.Hour,
		ActiveDeadline:   3 * time.Hour,
		TokenSecretKey:   "token",
	}
}

// KubernetesDispatcher runs every scan in its own single-use Job. The job
// container reports back through the internal API like any other worker.
type KubernetesDispatcher struct {
	client kubernetes.Interface
	cfg    JobConfig

	logger *logger.Logger
	tracer trace.Tracer
}

// NewKubernetesDispatcher validates cfg and creates a dispatcher.
func NewKubernetesDispatcher(
	client kubernetes.Interface,
	cfg JobConfig,
	log *logger.Logger,
	tracer trace.Tracer,
) (*KubernetesDispatcher, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("scan job image is required")
	}
	if cfg.ReportingURL == "" {
		return nil, fmt.Errorf("scan job reporting url is required")
	}
	for name, q := range map[string]string{
		"cpu request":    cfg.CPURequest,
		"cpu limit":      cfg.CPULimit,
		"memory request": cfg.MemoryRequest,
		"memory limit":   cfg.MemoryLimit,
	} {
		if _, err := resource.ParseQuantity(q); err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", name, q, err)
		}
	}

	return &KubernetesDispatcher{
		client: client,
		cfg:    cfg,
		logger: log.With("component", "kubernetes_dispatcher", "namespace", cfg.Namespace),
		tracer: tracer,
	}, nil
}

// Dispatch creates the Job for job. Creating a Job that already exists is
// not an error, so a repeated dispatch of the same scan is harmless.
func (d *KubernetesDispatcher) Dispatch(ctx context.Context, job scanning.ScanJob) error {
	ctx, span := d.tracer.Start(ctx, "kubernetes_dispatcher.dispatch",
		trace.WithAttributes(
			attribute.String("scan_id", job.ScanID.String()),
			attribute.String("namespace", d.cfg.Namespace),
		))
	defer span.End()

	spec := d.jobFor(job)
	_, err := d.client.BatchV1().Jobs(d.cfg.Namespace).Create(ctx, spec, metav1.CreateOptions{})
	switch {
	case apierrors.IsAlreadyExists(err):
		span.AddEvent("job_already_exists")
		d.logger.Info(ctx, "scan job already exists", "job", spec.Name)
		return nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create job")
		return fmt.Errorf("creating job %s: %w", spec.Name, err)
	}

	d.logger.Info(ctx, "scan job created", "job", spec.Name, "scan_id", job.ScanID.String())
	return nil
}

// JobName is the name of the Job that runs job.
func JobName(job scanning.ScanJob) string { return "scan-" + job.ScanID.String() }

func (d *KubernetesDispatcher) jobFor(job scanning.ScanJob) *batchv1.Job {
	labels := map[string]string{
		labelApp:       "scan-armada",
		labelComponent: "scanjob",
		labelScanID:    job.ScanID.String(),
	}

	backoffLimit := d.cfg.BackoffLimit
	ttl := int32(d.cfg.TTLAfterFinished.Seconds())
	deadline := int64(d.cfg.ActiveDeadline.Seconds())

	env := []corev1.EnvVar{
		{Name: EnvJobScanID, Value: job.ScanID.String()},
		{Name: EnvJobRepositoryID, Value: job.RepositoryID.String()},
		{Name: EnvJobBranch, Value: job.Branch},
		{Name: EnvJobMaxRetries, Value: strconv.Itoa(job.MaxRetries)},
		{Name: EnvReportingURL, Value: d.cfg.ReportingURL},
	}
	if d.cfg.TokenSecretName != "" {
		env = append(env, corev1.EnvVar{
			Name: EnvReportingToken,
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: d.cfg.TokenSecretName},
					Key:                  d.cfg.TokenSecretKey,
				},
			},
		})
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(job),
			Namespace: d.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			ActiveDeadlineSeconds:   &deadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: d.cfg.ServiceAccount,
					Containers: []corev1.Container{{
						Name:  jobContainerName,
						Image: d.cfg.Image,
						Env:   env,
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse(d.cfg.CPURequest),
								corev1.ResourceMemory: resource.MustParse(d.cfg.MemoryRequest),
							},
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse(d.cfg.CPULimit),
								corev1.ResourceMemory: resource.MustParse(d.cfg.MemoryLimit),
							},
						},
					}},
				},
			},
		},
	}
}
