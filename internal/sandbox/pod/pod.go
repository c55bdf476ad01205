// Package pod abstracts the runtime that hosts sandbox pods. The
// controller only needs four operations: create a pod from a minimal
// manifest, read its phase, delete it, and read its logs. Kubernetes is
// the deployment runtime, Docker approximates one container per pod for
// single-host setups, and the fake backs tests.
package pod

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the named pod does not exist in the runtime.
var ErrNotFound = errors.New("pod not found")

// Phase is the coarse pod lifecycle state, aligned with the Kubernetes
// phase names so the reconcile mapping is direct.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
	PhaseUnknown   Phase = "Unknown"
)

// LabelApp is the shared app label carried by every sandbox pod.
const LabelApp = "sibyl-sandbox"

// Spec is the minimal manifest a sandbox pod is created from.
type Spec struct {
	Name      string
	SandboxID string
	OrgID     string
	Image     string
	// Command defaults to a sleep that keeps the runner container alive
	// until the sandbox is suspended or destroyed.
	Command []string
}

// Labels returns the identifying label set for the pod.
func (s *Spec) Labels() map[string]string {
	return map[string]string{
		"app":        LabelApp,
		"sandbox_id": s.SandboxID,
		"org_id":     s.OrgID,
	}
}

// Status is the runtime's view of one pod.
type Status struct {
	Name    string
	Phase   Phase
	Message string
}

// Runtime is the pod backend contract. All operations address pods by
// name within the runtime's configured namespace.
type Runtime interface {
	CreatePod(ctx context.Context, spec *Spec) error
	GetPod(ctx context.Context, name string) (*Status, error)
	DeletePod(ctx context.Context, name string) error
	PodLogs(ctx context.Context, name string, tailLines int) (string, error)
}

// DefaultCommand keeps the runner container alive indefinitely.
func DefaultCommand() []string {
	return []string{"sleep", "infinity"}
}
