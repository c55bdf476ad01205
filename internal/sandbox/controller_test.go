package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/sandbox/pod"
)

func newTestController(t *testing.T) (*Controller, *Store, *pod.Fake) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	store := newTestStore(t)
	runtime := pod.NewFake()
	c := NewController(store, runtime, nil, bus.NewMemoryEventBus(log), log,
		ControllerOptions{Enabled: true})
	return c, store, runtime
}

func TestDisabledGate(t *testing.T) {
	ctx := context.Background()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	c := NewController(newTestStore(t), pod.NewFake(), nil, bus.NewMemoryEventBus(log), log,
		ControllerOptions{Enabled: false})

	_, err = c.Ensure(ctx, "org-1", "user-1")
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = c.Logs(ctx, "org-1", "sbx-1", 0)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.ErrorIs(t, c.Reconcile(ctx), ErrDisabled)
}

func TestCreateProvisionsPod(t *testing.T) {
	ctx := context.Background()
	c, _, runtime := newTestController(t)

	sb, err := c.Create(ctx, "org-1", "user-1", map[string]interface{}{"repo": "sibyl"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, sb.Status)
	assert.True(t, strings.HasPrefix(sb.PodName, "sbx-"))
	assert.True(t, runtime.Exists(sb.PodName))
}

func TestCreateFailureParksInError(t *testing.T) {
	ctx := context.Background()
	c, store, runtime := newTestController(t)
	runtime.CreateErr = errors.New("image pull backoff")

	sb, err := c.Create(ctx, "org-1", "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusError, sb.Status)
	assert.Equal(t, "image pull backoff", sb.LastError)

	// The row survives for inspection and a later retry.
	got, err := store.GetSandbox(ctx, "org-1", sb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)

	// Ensure retries provisioning once the runtime recovers.
	resumed, err := c.Ensure(ctx, "org-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, sb.ID, resumed.ID)
	assert.Equal(t, StatusRunning, resumed.Status)
}

func TestNilRuntimeDegradesToError(t *testing.T) {
	ctx := context.Background()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	c := NewController(newTestStore(t), nil, errors.New("no kubeconfig"),
		bus.NewMemoryEventBus(log), log, ControllerOptions{Enabled: true})

	sb, err := c.Create(ctx, "org-1", "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusError, sb.Status)
	assert.Contains(t, sb.LastError, "no kubeconfig")
}

func TestEnsureReusesExisting(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(t)

	first, err := c.Ensure(ctx, "org-1", "user-1")
	require.NoError(t, err)
	second, err := c.Ensure(ctx, "org-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// A different user gets a separate sandbox.
	other, err := c.Ensure(ctx, "org-1", "user-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestSuspendAndResume(t *testing.T) {
	ctx := context.Background()
	c, store, runtime := newTestController(t)

	sb, err := c.Create(ctx, "org-1", "user-1", nil)
	require.NoError(t, err)
	firstPod := sb.PodName

	require.NoError(t, c.Suspend(ctx, "org-1", sb.ID))
	assert.False(t, runtime.Exists(firstPod))

	got, err := store.GetSandbox(ctx, "org-1", sb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)
	assert.Empty(t, got.RunnerID)

	// Ensure resumes the suspended sandbox with a fresh pod.
	resumed, err := c.Ensure(ctx, "org-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, sb.ID, resumed.ID)
	assert.Equal(t, StatusRunning, resumed.Status)
	assert.NotEqual(t, firstPod, resumed.PodName)
	assert.True(t, runtime.Exists(resumed.PodName))
}

func TestDestroyIsTerminal(t *testing.T) {
	ctx := context.Background()
	c, store, runtime := newTestController(t)

	sb, err := c.Create(ctx, "org-1", "user-1", nil)
	require.NoError(t, err)
	task := enqueue(t, store, "org-1", sb.ID, nil)

	require.NoError(t, c.Destroy(ctx, "org-1", sb.ID))
	assert.False(t, runtime.Exists(sb.PodName))

	got, err := store.GetSandbox(ctx, "org-1", sb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDestroyed, got.Status)

	// Active tasks drain into failed.
	gotTask, err := store.GetTask(ctx, "org-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, gotTask.Status)
	assert.Equal(t, "sandbox destroyed", gotTask.ErrorMessage)

	// Destroy is idempotent; resume of a destroyed sandbox is refused.
	require.NoError(t, c.Destroy(ctx, "org-1", sb.ID))
	_, err = c.Resume(ctx, "org-1", sb.ID)
	require.Error(t, err)

	// Ensure starts over with a new sandbox.
	fresh, err := c.Ensure(ctx, "org-1", "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, sb.ID, fresh.ID)
}

func TestSyncRunnerConnection(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(t)

	sb, err := c.Create(ctx, "org-1", "user-1", nil)
	require.NoError(t, err)

	require.NoError(t, c.SyncRunnerConnection(ctx, "org-1", sb.ID, "runner-1"))
	got, err := store.GetSandbox(ctx, "org-1", sb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, "runner-1", got.RunnerID)

	// Disconnect drops back to running.
	require.NoError(t, c.SyncRunnerConnection(ctx, "org-1", sb.ID, ""))
	got, err = store.GetSandbox(ctx, "org-1", sb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Empty(t, got.RunnerID)
}

func TestReconcilePodPhases(t *testing.T) {
	ctx := context.Background()
	c, store, runtime := newTestController(t)

	// Fake pods start Pending; Create still settles the row into running,
	// so reconcile walks it back until the pod is up.
	sb, err := c.Create(ctx, "org-1", "user-1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Reconcile(ctx))

	got, err := store.GetSandbox(ctx, "org-1", sb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreating, got.Status)

	// Pod comes up; creating promotes to running.
	runtime.SetPhase(sb.PodName, pod.PhaseRunning)
	require.NoError(t, c.Reconcile(ctx))
	got, err = store.GetSandbox(ctx, "org-1", sb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	// Ready survives reconcile while the pod stays up.
	require.NoError(t, c.SyncRunnerConnection(ctx, "org-1", sb.ID, "runner-1"))
	require.NoError(t, c.Reconcile(ctx))
	got, err = store.GetSandbox(ctx, "org-1", sb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)

	// Pod failure parks the sandbox in error with the pod's message.
	runtime.SetPhase(sb.PodName, pod.PhaseFailed)
	require.NoError(t, c.Reconcile(ctx))
	got, err = store.GetSandbox(ctx, "org-1", sb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.NotEmpty(t, got.LastError)
}

func TestReconcileMissingPod(t *testing.T) {
	ctx := context.Background()
	c, store, runtime := newTestController(t)

	sb, err := c.Create(ctx, "org-1", "user-1", nil)
	require.NoError(t, err)
	require.NoError(t, runtime.DeletePod(ctx, sb.PodName))

	require.NoError(t, c.Reconcile(ctx))
	got, err := store.GetSandbox(ctx, "org-1", sb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "pod missing", got.LastError)
}

func TestLogsRequireProvisionedPod(t *testing.T) {
	ctx := context.Background()
	c, store, runtime := newTestController(t)

	bare := &Sandbox{OrgID: "org-1", UserID: "user-1"}
	require.NoError(t, store.InsertSandbox(ctx, bare))
	_, err := c.Logs(ctx, "org-1", bare.ID, 0)
	assert.ErrorIs(t, err, ErrNoPod)

	sb, err := c.Create(ctx, "org-1", "user-2", nil)
	require.NoError(t, err)
	runtime.SetLogs(sb.PodName, "runner listening\n")

	out, err := c.Logs(ctx, "org-1", sb.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, out, "runner listening")
}
