// Package kubernetes implements cluster coordination on Kubernetes lease
// locks.
package kubernetes

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/ahrav/scan-armada/internal/app/cluster"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

var _ cluster.Coordinator = (*Coordinator)(nil)

// ElectionConfig names the lease and the identity competing for it.
type ElectionConfig struct {
	Namespace     string
	LeaseName     string
	Identity      string
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

func (c *ElectionConfig) setDefaults() {
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 15 * time.Second
	}
	if c.RenewDeadline == 0 {
		c.RenewDeadline = 10 * time.Second
	}
	if c.RetryPeriod == 0 {
		c.RetryPeriod = 2 * time.Second
	}
}

// Coordinator elects one leader among the replicas sharing a lease. Only one
// coordinator is active at a time to prevent split-brain scenarios.
type Coordinator struct {
	client kubernetes.Interface
	config ElectionConfig

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a coordinator competing for cfg.LeaseName.
func NewCoordinator(
	client kubernetes.Interface,
	cfg ElectionConfig,
	log *logger.Logger,
	tracer trace.Tracer,
) (*Coordinator, error) {
	if cfg.Namespace == "" || cfg.LeaseName == "" || cfg.Identity == "" {
		return nil, fmt.Errorf("namespace, lease name and identity are required")
	}
	cfg.setDefaults()

	return &Coordinator{
		client: client,
		config: cfg,
		logger: log.With(
			"component", "kubernetes_coordinator",
			"namespace", cfg.Namespace,
			"lease", cfg.LeaseName,
			"identity", cfg.Identity,
		),
		tracer: tracer,
	}, nil
}

// Lead competes for the lease until ctx ends. Losing the lease cancels the
// context passed to fn; the coordinator then rejoins the election.
func (c *Coordinator) Lead(ctx context.Context, fn func(ctx context.Context)) error {
	for ctx.Err() == nil {
		elector, err := c.newElector(fn)
		if err != nil {
			return err
		}
		elector.Run(ctx)
	}
	return nil
}

func (c *Coordinator) newElector(fn func(ctx context.Context)) (*leaderelection.LeaderElector, error) {
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      c.config.LeaseName,
			Namespace: c.config.Namespace,
		},
		Client: c.client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: c.config.Identity,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   c.config.LeaseDuration,
		RenewDeadline:   c.config.RenewDeadline,
		RetryPeriod:     c.config.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) { c.onStartedLeading(ctx, fn) },
			OnStoppedLeading: c.onStoppedLeading,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating leader elector: %w", err)
	}
	return elector, nil
}

func (c *Coordinator) onStartedLeading(ctx context.Context, fn func(ctx context.Context)) {
	spanCtx, span := c.tracer.Start(ctx, "kubernetes_coordinator.on_started_leading",
		trace.WithAttributes(attribute.String("identity", c.config.Identity)))
	c.logger.Info(spanCtx, "became leader")
	span.AddEvent("became_leader")
	span.End()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(ctx, "leader work panicked", "panic", r)
		}
	}()
	fn(ctx)
}

func (c *Coordinator) onStoppedLeading() {
	ctx, span := c.tracer.Start(context.Background(), "kubernetes_coordinator.on_stopped_leading",
		trace.WithAttributes(attribute.String("identity", c.config.Identity)))
	defer span.End()

	c.logger.Info(ctx, "lost leadership")
	span.AddEvent("lost_leadership")
}
