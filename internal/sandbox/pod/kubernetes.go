package pod

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/sibyldev/sibyl/internal/common/logger"
)

// runnerContainer is the single container name inside every sandbox pod.
const runnerContainer = "runner"

// Kubernetes runs sandbox pods on a cluster. One sandbox maps to one pod
// in the configured namespace.
type Kubernetes struct {
	clientset kubernetes.Interface
	namespace string
	logger    *logger.Logger
}

var _ Runtime = (*Kubernetes)(nil)

// NewKubernetes connects to the cluster. A kubeconfig path selects
// out-of-cluster access; an empty path uses the in-cluster service
// account.
func NewKubernetes(kubeconfig, namespace string, log *logger.Logger) (*Kubernetes, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	if namespace == "" {
		namespace = "default"
	}
	log.Info("Kubernetes pod runtime ready", zap.String("namespace", namespace))

	return &Kubernetes{
		clientset: clientset,
		namespace: namespace,
		logger:    log.WithFields(zap.String("component", "pod-runtime-k8s")),
	}, nil
}

// NewKubernetesWithClient wraps an existing clientset. Used by tests with
// the client-go fake.
func NewKubernetesWithClient(clientset kubernetes.Interface, namespace string, log *logger.Logger) *Kubernetes {
	return &Kubernetes{
		clientset: clientset,
		namespace: namespace,
		logger:    log.WithFields(zap.String("component", "pod-runtime-k8s")),
	}
}

func (k *Kubernetes) CreatePod(ctx context.Context, spec *Spec) error {
	command := spec.Command
	if len(command) == 0 {
		command = DefaultCommand()
	}

	manifest := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.Name,
			Labels: spec.Labels(),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:    runnerContainer,
				Image:   spec.Image,
				Command: command,
			}},
		},
	}

	_, err := k.clientset.CoreV1().Pods(k.namespace).Create(ctx, manifest, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create pod %s: %w", spec.Name, err)
	}
	k.logger.Info("Pod created", zap.String("pod", spec.Name), zap.String("sandbox_id", spec.SandboxID))
	return nil
}

func (k *Kubernetes) GetPod(ctx context.Context, name string) (*Status, error) {
	p, err := k.clientset.CoreV1().Pods(k.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pod %s: %w", name, err)
	}
	return &Status{
		Name:    p.Name,
		Phase:   mapPhase(p.Status.Phase),
		Message: p.Status.Message,
	}, nil
}

func (k *Kubernetes) DeletePod(ctx context.Context, name string) error {
	err := k.clientset.CoreV1().Pods(k.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete pod %s: %w", name, err)
	}
	k.logger.Info("Pod deleted", zap.String("pod", name))
	return nil
}

func (k *Kubernetes) PodLogs(ctx context.Context, name string, tailLines int) (string, error) {
	tail := int64(tailLines)
	req := k.clientset.CoreV1().Pods(k.namespace).GetLogs(name, &corev1.PodLogOptions{
		Container: runnerContainer,
		TailLines: &tail,
	})
	raw, err := req.Do(ctx).Raw()
	if apierrors.IsNotFound(err) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read logs of pod %s: %w", name, err)
	}
	return string(raw), nil
}

func mapPhase(phase corev1.PodPhase) Phase {
	switch phase {
	case corev1.PodPending:
		return PhasePending
	case corev1.PodRunning:
		return PhaseRunning
	case corev1.PodSucceeded:
		return PhaseSucceeded
	case corev1.PodFailed:
		return PhaseFailed
	default:
		return PhaseUnknown
	}
}
