package k8s

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-yaml"
	appsv1client "k8s.io/client-go/kubernetes/typed/apps/v1"
	batchv1client "k8s.io/client-go/kubernetes/typed/batch/v1"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/devpocket/environment-broker/internal/secret"
	"github.com/devpocket/environment-broker/internal/types"
)

var (
	// ErrConfiguration marks a malformed, undecryptable or context-less
	// cluster credential.
	ErrConfiguration = errors.New("cluster configuration invalid")

	// ErrClusterUnavailable marks an inactive cluster or a network-level
	// failure reaching it.
	ErrClusterUnavailable = errors.New("cluster unavailable")
)

const defaultServiceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"

// CredentialSource provides stored cluster credentials.
type CredentialSource interface {
	GetCredential(ctx context.Context, id string) (*types.ClusterCredential, error)
}

// ClientHandle is a cached, ready-to-use client for one cluster. TLS
// verification is always enforced; nothing in this package sets Insecure.
type ClientHandle struct {
	Clientset kubernetes.Interface
	Config    *rest.Config
}

// Core returns the facade for core resources (pods, services, volumes, configmaps).
func (h *ClientHandle) Core() corev1client.CoreV1Interface {
	return h.Clientset.CoreV1()
}

// Workloads returns the facade for workload resources.
func (h *ClientHandle) Workloads() appsv1client.AppsV1Interface {
	return h.Clientset.AppsV1()
}

// Jobs returns the facade for batch jobs.
func (h *ClientHandle) Jobs() batchv1client.BatchV1Interface {
	return h.Clientset.BatchV1()
}

// Resolver builds and caches cluster clients, preferring in-cluster
// service-account credentials and falling back to stored kubeconfigs.
type Resolver struct {
	creds CredentialSource
	codec *secret.Codec

	mu    sync.Mutex
	cache map[string]*ClientHandle

	serviceAccountDir string
	loadInCluster     func() (*rest.Config, error)
	newClientset      func(*rest.Config) (kubernetes.Interface, error)
}

// NewResolver creates a Resolver backed by the given credential source and
// encryption codec.
func NewResolver(creds CredentialSource, codec *secret.Codec) *Resolver {
	return &Resolver{
		creds:             creds,
		codec:             codec,
		cache:             make(map[string]*ClientHandle),
		serviceAccountDir: defaultServiceAccountDir,
		loadInCluster:     rest.InClusterConfig,
		newClientset: func(cfg *rest.Config) (kubernetes.Interface, error) {
			return kubernetes.NewForConfig(cfg)
		},
	}
}

// GetClient returns the cached handle for a cluster, building one on first
// use. Cached handles live for the process lifetime; rotating a credential
// requires a restart. Concurrent first callers may each build a client before
// one wins the cache slot; the duplicate work is tolerated.
func (r *Resolver) GetClient(ctx context.Context, clusterID string) (*ClientHandle, error) {
	r.mu.Lock()
	handle, ok := r.cache[clusterID]
	r.mu.Unlock()
	if ok {
		return handle, nil
	}

	cfg, err := r.loadConfig(ctx, clusterID)
	if err != nil {
		return nil, err
	}

	clientset, err := r.newClientset(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: building clientset for %s: %v", ErrClusterUnavailable, clusterID, err)
	}

	handle = &ClientHandle{Clientset: clientset, Config: cfg}

	r.mu.Lock()
	r.cache[clusterID] = handle
	r.mu.Unlock()

	return handle, nil
}

func (r *Resolver) loadConfig(ctx context.Context, clusterID string) (*rest.Config, error) {
	if r.runningInCluster() {
		cfg, err := r.loadInCluster()
		if err == nil {
			if cfg.Host == "" {
				return nil, fmt.Errorf("%w: in-cluster config has no API host", ErrConfiguration)
			}
			return cfg, nil
		}
		log.Printf("In-cluster config load failed, falling back to stored credential: %v", err)
	}
	return r.loadExternal(ctx, clusterID)
}

// runningInCluster checks for the three well-known service-account files. Any
// filesystem error counts as "not in cluster" so that a broken mount falls
// back to external auth instead of failing hard.
func (r *Resolver) runningInCluster() bool {
	for _, name := range []string{"token", "ca.crt", "namespace"} {
		if _, err := os.Stat(filepath.Join(r.serviceAccountDir, name)); err != nil {
			return false
		}
	}
	return true
}

func (r *Resolver) loadExternal(ctx context.Context, clusterID string) (*rest.Config, error) {
	cred, err := r.creds.GetCredential(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching credential for %s: %v", ErrClusterUnavailable, clusterID, err)
	}
	if cred.Status != types.CredentialActive {
		return nil, fmt.Errorf("%w: cluster %s is %s", ErrClusterUnavailable, clusterID, cred.Status)
	}

	raw, err := r.codec.Decrypt(cred.Config)
	if errors.Is(err, secret.ErrDecrypt) {
		// Credentials stored before encryption existed are plaintext; accept
		// them only if the raw bytes look like a kubeconfig document.
		if verr := validateKubeconfigShape(cred.Config); verr != nil {
			return nil, fmt.Errorf("%w: credential for %s is neither decryptable nor a valid kubeconfig: %v",
				ErrConfiguration, clusterID, verr)
		}
		raw = cred.Config
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	apiConfig, err := clientcmd.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing kubeconfig: %v", ErrConfiguration, err)
	}
	if len(apiConfig.Contexts) == 0 {
		return nil, fmt.Errorf("%w: kubeconfig for %s has no contexts", ErrConfiguration, clusterID)
	}

	cfg, err := clientcmd.NewDefaultClientConfig(*apiConfig, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: building client config: %v", ErrConfiguration, err)
	}
	return cfg, nil
}

// validateKubeconfigShape checks that raw bytes form a structurally plausible
// kubeconfig: a YAML document with apiVersion, clusters and contexts keys and
// kind Config.
func validateKubeconfigShape(raw []byte) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("not a YAML document: %w", err)
	}
	for _, key := range []string{"apiVersion", "clusters", "contexts"} {
		if _, ok := doc[key]; !ok {
			return fmt.Errorf("missing %q key", key)
		}
	}
	if kind, _ := doc["kind"].(string); kind != "Config" {
		return fmt.Errorf("kind is %q, want Config", doc["kind"])
	}
	return nil
}
