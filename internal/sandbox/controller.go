package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/events"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/sandbox/pod"
)

// ErrDisabled is returned by every controller operation while the sandbox
// plane is switched off.
var ErrDisabled = errors.New("sandbox plane is disabled")

// ErrNoPod is returned when an operation needs a provisioned pod and the
// sandbox does not have one.
var ErrNoPod = errors.New("sandbox has no pod provisioned")

// DefaultLogTail is how many log lines Logs returns when the caller does
// not pick a count.
const DefaultLogTail = 200

// NewRuntime builds the pod runtime named by the config. An error here is
// fatal when k8sRequired is set; otherwise the caller passes the error to
// the controller, which degrades to recording it on each sandbox.
func NewRuntime(cfg config.SandboxConfig, log *logger.Logger) (pod.Runtime, error) {
	switch cfg.Runtime {
	case "kubernetes", "":
		return pod.NewKubernetes(cfg.Kubeconfig, cfg.Namespace, log)
	case "docker":
		return pod.NewDocker("", log)
	default:
		return nil, fmt.Errorf("unknown sandbox runtime %q", cfg.Runtime)
	}
}

// ControllerOptions tune the sandbox controller.
type ControllerOptions struct {
	Enabled           bool
	Image             string
	ReconcileInterval time.Duration
}

func (o *ControllerOptions) fill() {
	if o.Image == "" {
		o.Image = "sibyl-sandbox:latest"
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 20 * time.Second
	}
}

// Controller owns sandbox lifecycle: create, resume, suspend, destroy, and
// the reconcile loop that keeps rows aligned with pod reality. The SQL row
// is the source of truth for intent; the pod runtime is observed state.
type Controller struct {
	store      *Store
	runtime    pod.Runtime
	runtimeErr error
	bus        bus.EventBus
	logger     *logger.Logger
	opts       ControllerOptions
}

// NewController wires the controller. runtime may be nil when runtime init
// failed and the deployment tolerates it; runtimeErr carries the cause and
// surfaces as last_error on sandboxes that then fail to provision.
func NewController(store *Store, runtime pod.Runtime, runtimeErr error, eventBus bus.EventBus, log *logger.Logger, opts ControllerOptions) *Controller {
	opts.fill()
	return &Controller{
		store:      store,
		runtime:    runtime,
		runtimeErr: runtimeErr,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "sandbox.controller")),
		opts:       opts,
	}
}

func (c *Controller) gate() error {
	if !c.opts.Enabled {
		return ErrDisabled
	}
	return nil
}

// Get returns a sandbox by id.
func (c *Controller) Get(ctx context.Context, orgID, id string) (*Sandbox, error) {
	if err := c.gate(); err != nil {
		return nil, err
	}
	return c.store.GetSandbox(ctx, orgID, id)
}

// Ensure returns a usable sandbox for the user, reusing the latest
// non-terminal one. Suspended sandboxes resume; error sandboxes get one
// more provisioning attempt; anything else is returned as found.
func (c *Controller) Ensure(ctx context.Context, orgID, userID string) (*Sandbox, error) {
	if err := c.gate(); err != nil {
		return nil, err
	}

	sb, err := c.store.LatestSandboxFor(ctx, orgID, userID)
	if errors.Is(err, ErrSandboxNotFound) {
		return c.Create(ctx, orgID, userID, nil)
	}
	if err != nil {
		return nil, err
	}

	switch sb.Status {
	case StatusSuspended:
		return c.Resume(ctx, orgID, sb.ID)
	case StatusError:
		return c.reprovision(ctx, sb)
	default:
		return sb, nil
	}
}

// Create provisions a fresh sandbox: row first, then pod. Provisioning
// failure parks the sandbox in error with the cause, never deletes it.
func (c *Controller) Create(ctx context.Context, orgID, userID string, sandboxCtx map[string]interface{}) (*Sandbox, error) {
	if err := c.gate(); err != nil {
		return nil, err
	}

	sb := &Sandbox{
		OrgID:   orgID,
		UserID:  userID,
		Status:  StatusCreating,
		Context: sandboxCtx,
	}
	if err := c.store.InsertSandbox(ctx, sb); err != nil {
		return nil, err
	}

	sb.PodName = podName()
	if err := c.store.SetSandboxPod(ctx, orgID, sb.ID, sb.PodName); err != nil {
		return nil, err
	}
	return c.provision(ctx, sb)
}

// Resume brings a suspended sandbox back: resuming, new pod, running.
func (c *Controller) Resume(ctx context.Context, orgID, id string) (*Sandbox, error) {
	if err := c.gate(); err != nil {
		return nil, err
	}

	sb, err := c.store.GetSandbox(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if sb.Status.Terminal() {
		return nil, fmt.Errorf("sandbox %s is destroyed", id)
	}
	if sb.Status != StatusSuspended {
		return sb, nil
	}

	if err := c.setStatus(ctx, sb, StatusResuming, ""); err != nil {
		return nil, err
	}
	sb.PodName = podName()
	if err := c.store.SetSandboxPod(ctx, orgID, sb.ID, sb.PodName); err != nil {
		return nil, err
	}
	return c.provision(ctx, sb)
}

// reprovision retries pod creation for a sandbox parked in error.
func (c *Controller) reprovision(ctx context.Context, sb *Sandbox) (*Sandbox, error) {
	if sb.PodName != "" && c.runtime != nil {
		if err := c.runtime.DeletePod(ctx, sb.PodName); err != nil {
			c.logger.Warn("failed to delete stale pod",
				zap.String("pod", sb.PodName), zap.Error(err))
		}
	}
	if err := c.setStatus(ctx, sb, StatusCreating, ""); err != nil {
		return nil, err
	}
	sb.PodName = podName()
	if err := c.store.SetSandboxPod(ctx, sb.OrgID, sb.ID, sb.PodName); err != nil {
		return nil, err
	}
	return c.provision(ctx, sb)
}

// provision creates the pod and settles the sandbox into running or error.
func (c *Controller) provision(ctx context.Context, sb *Sandbox) (*Sandbox, error) {
	if c.runtime == nil {
		cause := "no pod runtime configured"
		if c.runtimeErr != nil {
			cause = c.runtimeErr.Error()
		}
		if err := c.setStatus(ctx, sb, StatusError, "sandbox runtime unavailable: "+cause); err != nil {
			return nil, err
		}
		return sb, nil
	}

	spec := &pod.Spec{
		Name:      sb.PodName,
		SandboxID: sb.ID,
		OrgID:     sb.OrgID,
		Image:     c.opts.Image,
		Command:   pod.DefaultCommand(),
	}
	if err := c.runtime.CreatePod(ctx, spec); err != nil {
		if serr := c.setStatus(ctx, sb, StatusError, err.Error()); serr != nil {
			return nil, serr
		}
		return sb, nil
	}
	if err := c.setStatus(ctx, sb, StatusRunning, ""); err != nil {
		return nil, err
	}
	return sb, nil
}

// Suspend tears down the pod but keeps the row, so the sandbox can resume
// later with its queue intact.
func (c *Controller) Suspend(ctx context.Context, orgID, id string) error {
	if err := c.gate(); err != nil {
		return err
	}

	sb, err := c.store.GetSandbox(ctx, orgID, id)
	if err != nil {
		return err
	}
	if sb.Status.Terminal() {
		return fmt.Errorf("sandbox %s is destroyed", id)
	}
	if sb.Status == StatusSuspended {
		return nil
	}

	if sb.PodName != "" && c.runtime != nil {
		if err := c.runtime.DeletePod(ctx, sb.PodName); err != nil {
			return fmt.Errorf("delete pod %s: %w", sb.PodName, err)
		}
	}
	if err := c.store.SetSandboxRunner(ctx, orgID, id, ""); err != nil {
		return err
	}
	return c.setStatus(ctx, sb, StatusSuspended, "")
}

// Destroy tears down the pod, fails the sandbox's active tasks, and marks
// the row destroyed. Destroy is idempotent.
func (c *Controller) Destroy(ctx context.Context, orgID, id string) error {
	if err := c.gate(); err != nil {
		return err
	}

	sb, err := c.store.GetSandbox(ctx, orgID, id)
	if err != nil {
		return err
	}
	if sb.Status.Terminal() {
		return nil
	}

	if sb.PodName != "" && c.runtime != nil {
		if err := c.runtime.DeletePod(ctx, sb.PodName); err != nil {
			c.logger.Warn("failed to delete pod during destroy",
				zap.String("pod", sb.PodName), zap.Error(err))
		}
	}
	failed, err := c.store.FailTasksForSandbox(ctx, orgID, id, "sandbox destroyed")
	if err != nil {
		return err
	}
	if failed > 0 {
		c.logger.Info("failed active tasks of destroyed sandbox",
			zap.String("sandbox_id", id), zap.Int("count", failed))
	}
	return c.setStatus(ctx, sb, StatusDestroyed, "")
}

// SyncRunnerConnection records runner attach and detach. A connected
// runner makes the sandbox ready; detach without a replacement drops it
// back to running.
func (c *Controller) SyncRunnerConnection(ctx context.Context, orgID, id, runnerID string) error {
	if err := c.gate(); err != nil {
		return err
	}

	sb, err := c.store.GetSandbox(ctx, orgID, id)
	if err != nil {
		return err
	}
	if sb.Status.Terminal() {
		return fmt.Errorf("sandbox %s is destroyed", id)
	}

	if err := c.store.SetSandboxRunner(ctx, orgID, id, runnerID); err != nil {
		return err
	}
	if runnerID != "" {
		if sb.Status == StatusReady {
			return nil
		}
		return c.setStatus(ctx, sb, StatusReady, "")
	}
	if sb.Status == StatusReady {
		return c.setStatus(ctx, sb, StatusRunning, "")
	}
	return nil
}

// Logs returns the tail of the sandbox pod's logs.
func (c *Controller) Logs(ctx context.Context, orgID, id string, tailLines int) (string, error) {
	if err := c.gate(); err != nil {
		return "", err
	}
	if c.runtime == nil {
		return "", fmt.Errorf("sandbox runtime unavailable: %v", c.runtimeErr)
	}
	if tailLines <= 0 {
		tailLines = DefaultLogTail
	}

	sb, err := c.store.GetSandbox(ctx, orgID, id)
	if err != nil {
		return "", err
	}
	if sb.PodName == "" {
		return "", fmt.Errorf("%w: sandbox %s", ErrNoPod, id)
	}
	return c.runtime.PodLogs(ctx, sb.PodName, tailLines)
}

// FailAllPending drains every active sandbox task in the org.
func (c *Controller) FailAllPending(ctx context.Context, orgID, reason string) (int, error) {
	if err := c.gate(); err != nil {
		return 0, err
	}
	return c.store.FailAllPending(ctx, orgID, reason)
}

// Reconcile aligns one pass of sandbox rows with pod reality. Sandboxes
// that should have a pod but do not are parked in error; pods that reached
// Running promote creating, resuming, and error rows to running. A ready
// sandbox with a Running pod stays ready, the runner connection is what
// made it ready.
func (c *Controller) Reconcile(ctx context.Context) error {
	if err := c.gate(); err != nil {
		return err
	}
	if c.runtime == nil {
		return fmt.Errorf("sandbox runtime unavailable: %v", c.runtimeErr)
	}

	sandboxes, err := c.store.SandboxesInStates(ctx,
		StatusCreating, StatusResuming, StatusRunning, StatusReady, StatusError)
	if err != nil {
		return err
	}

	for _, sb := range sandboxes {
		if err := c.reconcileOne(ctx, sb); err != nil {
			c.logger.Warn("reconcile failed for sandbox",
				zap.String("sandbox_id", sb.ID), zap.Error(err))
		}
	}
	return nil
}

func (c *Controller) reconcileOne(ctx context.Context, sb *Sandbox) error {
	if sb.PodName == "" {
		if sb.Status == StatusError {
			return nil
		}
		return c.setStatus(ctx, sb, StatusError, "no pod provisioned")
	}

	status, err := c.runtime.GetPod(ctx, sb.PodName)
	if errors.Is(err, pod.ErrNotFound) {
		if sb.Status == StatusError {
			return nil
		}
		return c.setStatus(ctx, sb, StatusError, "pod missing")
	}
	if err != nil {
		return err
	}

	switch status.Phase {
	case pod.PhaseRunning:
		switch sb.Status {
		case StatusCreating, StatusResuming, StatusError:
			return c.setStatus(ctx, sb, StatusRunning, "")
		}
	case pod.PhasePending:
		switch sb.Status {
		case StatusRunning, StatusReady:
			return c.setStatus(ctx, sb, StatusCreating, "")
		}
	case pod.PhaseFailed:
		msg := status.Message
		if msg == "" {
			msg = "pod failed"
		}
		if sb.Status != StatusError {
			return c.setStatus(ctx, sb, StatusError, msg)
		}
	case pod.PhaseSucceeded:
		if sb.Status != StatusError {
			return c.setStatus(ctx, sb, StatusError, "pod exited")
		}
	}
	return nil
}

// RunReconciler runs Reconcile on the configured interval until ctx ends.
func (c *Controller) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(c.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Reconcile(ctx); err != nil && !errors.Is(err, ErrDisabled) {
				c.logger.Error("sandbox reconcile pass failed", zap.Error(err))
			}
		}
	}
}

func (c *Controller) setStatus(ctx context.Context, sb *Sandbox, status Status, lastError string) error {
	previous := sb.Status
	if err := c.store.SetSandboxStatus(ctx, sb.OrgID, sb.ID, status, lastError); err != nil {
		return err
	}
	sb.Status = status
	sb.LastError = lastError

	data := map[string]interface{}{
		"sandbox_id": sb.ID,
		"org_id":     sb.OrgID,
		"status":     string(status),
		"previous":   string(previous),
	}
	if lastError != "" {
		data["error"] = lastError
	}
	if err := c.bus.Publish(ctx, events.SandboxStatusChanged,
		bus.NewEvent(events.SandboxStatusChanged, "sandbox-controller", data)); err != nil {
		c.logger.Warn("failed to publish sandbox status event", zap.Error(err))
	}
	return nil
}

func podName() string {
	return "sbx-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
