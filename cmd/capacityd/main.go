package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	goerrors "github.com/pkg/errors"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/walkai-org/walkai-api/internal/allocator"
	"github.com/walkai-org/walkai-api/internal/capacity"
	"github.com/walkai-org/walkai-api/internal/clusterfacts"
	"github.com/walkai-org/walkai-api/internal/config"
	"github.com/walkai-org/walkai-api/internal/lifecycle"
	"github.com/walkai-org/walkai-api/internal/reconciler"
	"github.com/walkai-org/walkai-api/internal/server"
	"github.com/walkai-org/walkai-api/internal/statestore"
	"github.com/walkai-org/walkai-api/internal/utils"
)

var (
	configPath = flag.String("config", "", "Path to an optional YAML config file")
	httpPort   = flag.Int("port", 0, "HTTP port override, 0 keeps the configured value")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg, err := config.Load(*configPath)
	if err != nil {
		klog.Fatalf("Failed to load config: %v", err)
	}
	if *httpPort != 0 {
		cfg.ListenPort = *httpPort
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		klog.Fatalf("Failed to build state store: %v", err)
	}

	kubeClient, err := buildKubeClient()
	if err != nil {
		klog.Fatalf("Failed to build Kubernetes client: %v", err)
	}
	source := clusterfacts.NewKubeSource(kubeClient, cfg.Namespace, cfg.ExternalTimeout, cfg.PartitionsPerNode)

	if err := waitForDependencies(ctx, cfg, store, source); err != nil {
		klog.Fatalf("Dependencies never became ready: %v", err)
	}

	holder := capacity.NewHolder()
	lc := lifecycle.NewManager(store, cfg.LeaseTTL, cfg.ConfirmationWindow,
		cfg.RetentionWindow, cfg.ExternalTimeout, cfg.AllocateRetries)
	rec := reconciler.New(source, store, holder, lc, cfg.ReconcileInterval, cfg.ExternalTimeout)
	scheduler := allocator.NewScheduler(store, holder, cfg.LeaseTTL,
		cfg.AllocateRetries, cfg.ExternalTimeout)
	scheduler.RegisterTrigger(rec.Trigger)

	// Prime the capacity model before taking traffic.
	if err := rec.RunOnce(ctx); err != nil {
		klog.ErrorS(err, "initial reconcile pass failed, serving from cache until the loop recovers")
	}
	go rec.Run(ctx)

	srv := server.NewServer(scheduler, lc, holder, store, source, rec, cfg.AuthToken, cfg.ListenPort)
	go func() {
		if err := srv.Start(); err != nil {
			klog.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	klog.Infof("Received signal %s, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		klog.ErrorS(err, "HTTP server shutdown failed")
	}
	cancel()
}

func buildStore(ctx context.Context, cfg *config.Config) (statestore.Store, error) {
	switch cfg.StateBackend {
	case config.BackendMemory:
		klog.Info("Using in-memory state store, leases will not survive restarts")
		return statestore.NewMemoryStore(nil), nil
	case config.BackendRedis:
		return statestore.NewRedisStore(cfg.RedisURL, cfg.RecordTTL())
	case config.BackendDynamoDB:
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.AWSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return statestore.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable, cfg.RecordTTL()), nil
	default:
		return nil, goerrors.Errorf("unknown state backend %q", cfg.StateBackend)
	}
}

func buildKubeClient() (client.Client, error) {
	var restConfig *rest.Config
	var err error
	if kubeconfig := os.Getenv("KUBECONFIG"); kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, err
	}
	return client.New(restConfig, client.Options{Scheme: scheme.Scheme})
}

// waitForDependencies probes the state store and the cluster-fact source with
// escalating backoff so the process does not crash-loop while a dependency is
// still coming up next to it.
func waitForDependencies(ctx context.Context, cfg *config.Config, store statestore.Store, source clusterfacts.Source) error {
	var lastErr error
	for attempt := int64(0); attempt < int64(cfg.StartupProbeAttempts); attempt++ {
		probeCtx, probeCancel := context.WithTimeout(ctx, cfg.ExternalTimeout)
		lastErr = store.Healthy(probeCtx)
		if lastErr == nil {
			lastErr = source.Healthy(probeCtx)
		}
		probeCancel()
		if lastErr == nil {
			return nil
		}
		wait := utils.CalculateExponentialBackoffWithJitter(attempt)
		klog.ErrorS(lastErr, "dependency probe failed, retrying", "attempt", attempt, "backoff", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
