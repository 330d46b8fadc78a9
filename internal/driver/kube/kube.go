// Package kube snapshots Kubernetes Deployments by revision and restores them
// the way `kubectl rollout undo --to-revision` does: the cluster's own
// ReplicaSet history is the artifact, and no manifest is ever reconstructed.
package kube

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	"github.com/majorcontext/rewind/internal/driver"
	"github.com/majorcontext/rewind/internal/log"
	"github.com/majorcontext/rewind/internal/snapshot"
)

// RevisionAnnotation is set by the deployment controller on Deployments and
// their ReplicaSets.
const RevisionAnnotation = "deployment.kubernetes.io/revision"

const defaultPollInterval = 2 * time.Second

// Driver is the orchestrator driver.
type Driver struct {
	client       kubernetes.Interface
	pollInterval time.Duration
}

var _ driver.Driver[snapshot.OrchestratorLocator] = (*Driver)(nil)

// New wraps an existing clientset.
func New(client kubernetes.Interface, pollInterval time.Duration) *Driver {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Driver{client: client, pollInterval: pollInterval}
}

// NewFromConfig builds a clientset. With no kubeconfig it prefers in-cluster
// configuration and falls back to the default loading rules.
func NewFromConfig(kubeconfig, kubeContext string, pollInterval time.Duration) (*Driver, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig == "" && kubeContext == "" {
		cfg, err = rest.InClusterConfig()
	}
	if cfg == nil {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		if kubeconfig != "" {
			rules.ExplicitPath = kubeconfig
		}
		overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return New(clientset, pollInterval), nil
}

// CreateSnapshot records the Deployment's current revision. Nothing is
// written to the cluster.
func (d *Driver) CreateSnapshot(ctx context.Context, asset snapshot.Asset, snapshotID string) (driver.Capture[snapshot.OrchestratorLocator], error) {
	var out driver.Capture[snapshot.OrchestratorLocator]
	ns := asset.Namespaced()

	dep, err := d.client.AppsV1().Deployments(ns).Get(ctx, asset.Deployment, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return out, fmt.Errorf("deployment %s/%s: %w", ns, asset.Deployment, driver.ErrAssetNotFound)
		}
		return out, fmt.Errorf("get deployment: %w", err)
	}

	revision, err := revisionOf(dep.Annotations)
	if err != nil {
		return out, fmt.Errorf("deployment %s/%s: %w", ns, dep.Name, err)
	}

	template, err := json.Marshal(dep.Spec.Template)
	if err != nil {
		return out, fmt.Errorf("encode pod template: %w", err)
	}
	manifest, err := json.Marshal(dep)
	if err != nil {
		return out, fmt.Errorf("encode deployment: %w", err)
	}
	sum := sha256.Sum256(template)

	out.Locator = snapshot.OrchestratorLocator{
		Deployment:     dep.Name,
		Namespace:      ns,
		Revision:       revision,
		Replicas:       replicasOf(dep),
		ManifestDigest: "sha256:" + hex.EncodeToString(sum[:]),
	}
	out.Checksum = out.Locator.ManifestDigest
	out.SizeBytes = int64(len(manifest))

	log.Debug("recorded deployment revision",
		"snapshot_id", snapshotID,
		"deployment", dep.Name,
		"namespace", ns,
		"revision", revision)
	return out, nil
}

// Restore rolls the Deployment back to the recorded revision and waits for
// the rollout to finish.
func (d *Driver) Restore(ctx context.Context, loc snapshot.OrchestratorLocator) error {
	deployments := d.client.AppsV1().Deployments(loc.Namespace)

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep, err := deployments.Get(ctx, loc.Deployment, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("get deployment: %w", err)
		}
		if dep.Spec.Paused {
			return fmt.Errorf("deployment %s/%s is paused", loc.Namespace, loc.Deployment)
		}

		rs, err := d.findRevision(ctx, dep, loc.Revision)
		if err != nil {
			return err
		}

		template := rs.Spec.Template.DeepCopy()
		delete(template.Labels, appsv1.DefaultDeploymentUniqueLabelKey)
		dep.Spec.Template = *template

		if _, err := deployments.Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, driver.ErrRevisionNotFound) {
			return err
		}
		return fmt.Errorf("roll back deployment %s/%s: %w", loc.Namespace, loc.Deployment, err)
	}

	log.Debug("deployment rolled back, waiting for rollout",
		"deployment", loc.Deployment,
		"namespace", loc.Namespace,
		"revision", loc.Revision)
	return d.waitForRollout(ctx, loc.Namespace, loc.Deployment)
}

// Discard is a no-op: revision history belongs to the cluster and is pruned
// by the Deployment's revisionHistoryLimit.
func (d *Driver) Discard(ctx context.Context, loc snapshot.OrchestratorLocator) error {
	return nil
}

func (d *Driver) findRevision(ctx context.Context, dep *appsv1.Deployment, revision int64) (*appsv1.ReplicaSet, error) {
	selector, err := metav1.LabelSelectorAsSelector(dep.Spec.Selector)
	if err != nil {
		return nil, fmt.Errorf("deployment selector: %w", err)
	}
	list, err := d.client.AppsV1().ReplicaSets(dep.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, fmt.Errorf("list replicasets: %w", err)
	}
	want := strconv.FormatInt(revision, 10)
	for i := range list.Items {
		rs := &list.Items[i]
		if !metav1.IsControlledBy(rs, dep) {
			continue
		}
		if rs.Annotations[RevisionAnnotation] == want {
			return rs, nil
		}
	}
	return nil, fmt.Errorf("deployment %s/%s revision %d: %w", dep.Namespace, dep.Name, revision, driver.ErrRevisionNotFound)
}

func (d *Driver) waitForRollout(ctx context.Context, namespace, name string) error {
	var last string
	err := wait.PollUntilContextCancel(ctx, d.pollInterval, true, func(ctx context.Context) (bool, error) {
		dep, err := d.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		done, msg, err := rolloutComplete(dep)
		last = msg
		return done, err
	})
	if err != nil {
		if ctx.Err() != nil && last != "" {
			return fmt.Errorf("rollout of %s/%s (%s): %w", namespace, name, last, err)
		}
		return fmt.Errorf("rollout of %s/%s: %w", namespace, name, err)
	}
	return nil
}

// rolloutComplete mirrors the checks `kubectl rollout status` makes.
func rolloutComplete(dep *appsv1.Deployment) (bool, string, error) {
	if dep.Generation > dep.Status.ObservedGeneration {
		return false, "waiting for spec update to be observed", nil
	}
	for _, c := range dep.Status.Conditions {
		if c.Type == appsv1.DeploymentProgressing && c.Reason == "ProgressDeadlineExceeded" {
			return false, "", fmt.Errorf("deployment %q exceeded its progress deadline", dep.Name)
		}
	}
	want := replicasOf(dep)
	st := dep.Status
	switch {
	case st.UpdatedReplicas < want:
		return false, fmt.Sprintf("%d of %d updated replicas", st.UpdatedReplicas, want), nil
	case st.Replicas > st.UpdatedReplicas:
		return false, fmt.Sprintf("%d old replicas pending termination", st.Replicas-st.UpdatedReplicas), nil
	case st.ReadyReplicas < want:
		return false, fmt.Sprintf("%d of %d replicas ready", st.ReadyReplicas, want), nil
	case st.AvailableReplicas < st.UpdatedReplicas:
		return false, fmt.Sprintf("%d of %d updated replicas available", st.AvailableReplicas, st.UpdatedReplicas), nil
	}
	return true, "", nil
}

func revisionOf(annotations map[string]string) (int64, error) {
	v, ok := annotations[RevisionAnnotation]
	if !ok {
		return 0, errors.New("no revision annotation; the deployment has not been rolled out yet")
	}
	rev, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse revision %q: %w", v, err)
	}
	return rev, nil
}

func replicasOf(dep *appsv1.Deployment) int32 {
	if dep.Spec.Replicas == nil {
		return 1
	}
	return *dep.Spec.Replicas
}
