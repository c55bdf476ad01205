package pod

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory pod runtime for tests. Phases are set by the test;
// newly created pods start Pending.
type Fake struct {
	mu   sync.Mutex
	pods map[string]*Status
	logs map[string]string

	// CreateErr fails the next CreatePod call when set.
	CreateErr error
}

var _ Runtime = (*Fake)(nil)

// NewFake creates an empty fake runtime.
func NewFake() *Fake {
	return &Fake{
		pods: make(map[string]*Status),
		logs: make(map[string]string),
	}
}

func (f *Fake) CreatePod(_ context.Context, spec *Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return err
	}
	if _, exists := f.pods[spec.Name]; exists {
		return fmt.Errorf("pod %s already exists", spec.Name)
	}
	f.pods[spec.Name] = &Status{Name: spec.Name, Phase: PhasePending}
	return nil
}

func (f *Fake) GetPod(_ context.Context, name string) (*Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.pods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	out := *st
	return &out, nil
}

func (f *Fake) DeletePod(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pods, name)
	delete(f.logs, name)
	return nil
}

func (f *Fake) PodLogs(_ context.Context, name string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pods[name]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f.logs[name], nil
}

// SetPhase overrides a pod's phase.
func (f *Fake) SetPhase(name string, phase Phase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.pods[name]; ok {
		st.Phase = phase
	}
}

// SetLogs sets the log content returned for a pod.
func (f *Fake) SetLogs(name, logs string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[name] = logs
}

// Exists reports whether a pod is present.
func (f *Fake) Exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pods[name]
	return ok
}
