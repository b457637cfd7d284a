package sandbox

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/rs/zerolog"
)

// PodRuntime runs one sandbox pod per session in a dedicated namespace.
type PodRuntime struct {
	clientset kubernetes.Interface
	namespace string
	image     string
	logger    zerolog.Logger
}

// PodRuntimeConfig holds pod runtime configuration.
type PodRuntimeConfig struct {
	KubeconfigPath string
	Namespace      string
	Image          string
}

// NewPodRuntime creates a pod runtime from kubeconfig or in-cluster config.
func NewPodRuntime(cfg PodRuntimeConfig, logger zerolog.Logger) (*PodRuntime, error) {
	var restConfig *rest.Config
	var err error

	if cfg.KubeconfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.KubeconfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building k8s config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating k8s clientset: %w", err)
	}

	return NewPodRuntimeFromInterface(cs, cfg.Namespace, cfg.Image, logger), nil
}

// NewPodRuntimeFromInterface creates a pod runtime from an existing
// kubernetes.Interface (for testing).
func NewPodRuntimeFromInterface(cs kubernetes.Interface, namespace, image string, logger zerolog.Logger) *PodRuntime {
	return &PodRuntime{
		clientset: cs,
		namespace: namespace,
		image:     image,
		logger:    logger.With().Str("component", "pod_runtime").Logger(),
	}
}

// Spawn creates the session's sandbox pod. Creating a pod that already
// exists is treated as success.
func (r *PodRuntime) Spawn(ctx context.Context, req SpawnRequest) error {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(req.SessionID),
			Namespace: r.namespace,
			Labels: map[string]string{
				"app":        "sandbox",
				"session-id": req.SessionID,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  "sandbox",
					Image: r.image,
					Env: []corev1.EnvVar{
						{Name: "SESSION_ID", Value: req.SessionID},
						{Name: "SANDBOX_AUTH_TOKEN", Value: req.AuthToken},
						{Name: "REPO_OWNER", Value: req.RepoOwner},
						{Name: "REPO_NAME", Value: req.RepoName},
						{Name: "MODEL", Value: req.Model},
						{Name: "BASE_BRANCH", Value: req.BaseBranch},
					},
				},
			},
		},
	}

	_, err := r.clientset.CoreV1().Pods(r.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("creating sandbox pod: %w", err)
	}

	r.logger.Info().
		Str("session_id", req.SessionID).
		Str("pod", pod.Name).
		Msg("sandbox pod created")
	return nil
}

// Stop deletes the session's sandbox pod. A missing pod is a no-op.
func (r *PodRuntime) Stop(ctx context.Context, sessionID string) error {
	err := r.clientset.CoreV1().Pods(r.namespace).Delete(ctx, podName(sessionID), metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting sandbox pod: %w", err)
	}

	r.logger.Info().Str("session_id", sessionID).Msg("sandbox pod deleted")
	return nil
}

// Status maps the pod phase onto the sandbox lifecycle.
func (r *PodRuntime) Status(ctx context.Context, sessionID string) (string, error) {
	pod, err := r.clientset.CoreV1().Pods(r.namespace).Get(ctx, podName(sessionID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return StatusAbsent, nil
		}
		return "", fmt.Errorf("getting sandbox pod: %w", err)
	}

	switch pod.Status.Phase {
	case corev1.PodPending:
		return StatusWarming, nil
	case corev1.PodRunning:
		return StatusRunning, nil
	case corev1.PodSucceeded, corev1.PodFailed:
		return StatusStopped, nil
	default:
		return StatusWarming, nil
	}
}

func podName(sessionID string) string {
	name := "sandbox-" + strings.ToLower(sessionID)
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, name)
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "-")
}
