package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/softcane/asg-fleet-agent/internal/billing"
	"github.com/softcane/asg-fleet-agent/internal/cloudapi"
	"github.com/softcane/asg-fleet-agent/internal/config"
	"github.com/softcane/asg-fleet-agent/internal/fleet"
	"github.com/softcane/asg-fleet-agent/internal/kube"
	"github.com/softcane/asg-fleet-agent/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the fleet health control loop",
	Long: `Run starts the agent in controller mode.

Each iteration the agent:
1. Lists cluster nodes and maps them to their auto scaling groups
2. Discovers worker groups across all configured regions
3. Classifies recent scaling activities and refreshes group timeouts
4. Exports fleet health metrics

Use --dry-run to observe decisions without mutating any group.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting ASG fleet agent",
		"dry_run", IsDryRun(),
		"version", "0.1.0",
	)

	// 1. Load Configuration
	if cfgFile == "" {
		cfgFile = "config/default.yaml"
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Initialize Kubernetes Client
	k8sConfig, err := rest.InClusterConfig()
	if err != nil {
		// Fallback to kubeconfig if not in cluster
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = os.Getenv("HOME") + "/.kube/config"
		}
		k8sConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}
	k8sClient, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	// 3. Initialize AWS clients
	clients, err := cloudapi.NewClientSet(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize AWS clients: %w", err)
	}

	// 4. Fleet components
	catalog := fleet.NewCatalog(clients, slog.Default(), cfg.AWS.Regions, cfg.Cluster.Name)
	reconciler := fleet.NewReconciler(clients, slog.Default())

	prices := cloudapi.NewPriceClient(clients.Pricing(), slog.Default())
	meter := billing.NewMeter(clients, prices, slog.Default(), cfg.Billing.Enabled)

	// 5. Start Metrics Server (Non-blocking)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})
		slog.Info("starting metrics server", "addr", cfg.Metrics.ListenAddr)
		if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	slog.Info("agent ready, starting control loop",
		"regions", cfg.AWS.Regions,
		"interval", cfg.Controller.ScanInterval().String(),
	)

	ticker := time.NewTicker(cfg.Controller.ScanInterval())
	defer ticker.Stop()

	for {
		if err := runOnce(ctx, k8sClient, catalog, reconciler, meter); err != nil {
			slog.Error("iteration failed", "error", err)
			metrics.IterationErrors.Inc()
		}
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

// runOnce performs a single control-loop iteration: discover groups,
// refresh timeouts, and export fleet health metrics.
func runOnce(ctx context.Context, k8sClient kubernetes.Interface, catalog *fleet.Catalog, reconciler *fleet.Reconciler, meter *billing.Meter) error {
	nodes, err := kube.ListNodes(ctx, k8sClient, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to list cluster nodes: %w", err)
	}

	groups, err := catalog.ListGroups(ctx, nodes)
	if err != nil {
		return fmt.Errorf("failed to list scaling groups: %w", err)
	}

	if err := reconciler.RefreshTimeouts(ctx, groups, IsDryRun()); err != nil {
		return fmt.Errorf("failed to refresh group timeouts: %w", err)
	}

	exportFleetMetrics(groups, reconciler)
	meter.Record(ctx, groups)
	return nil
}

func exportFleetMetrics(groups []*fleet.Group, reconciler *fleet.Reconciler) {
	perRegion := make(map[string]int)
	for _, g := range groups {
		perRegion[g.Region]++
		metrics.GroupDesiredCapacity.WithLabelValues(g.Region, g.Name).Set(float64(g.DesiredCapacity))
		metrics.GroupActualCapacity.WithLabelValues(g.Region, g.Name).Set(float64(g.ActualCapacity()))

		ordinary, spot := reconciler.SuppressedUntil(g)
		setTimedOut(g, "ordinary", ordinary)
		setTimedOut(g, "spot", spot)
	}
	for region, n := range perRegion {
		metrics.GroupsDiscovered.WithLabelValues(region).Set(float64(n))
	}
}

func setTimedOut(g *fleet.Group, channel string, until time.Time) {
	v := 0.0
	if time.Now().Before(until) {
		v = 1.0
	}
	metrics.GroupTimedOut.WithLabelValues(g.Region, g.Name, channel).Set(v)
}
