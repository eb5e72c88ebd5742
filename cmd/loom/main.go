package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/client"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/coordinator"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - coordination substrate for orchestrator fleets",
	Long: `Loom is the coordination layer between orchestrator nodes: it routes
tasks across the fleet, watches node and bridge health, detects
bottlenecks, and keeps a resilient connection to every node.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Loom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(bottlenecksCmd)
	rootCmd.AddCommand(routeCmd)

	rootCmd.PersistentFlags().String("api", "http://127.0.0.1:9090", "Coordinator API address")
}

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("api")
	return client.NewClient(addr)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination bridge",
	Long: `Start the coordination service and its HTTP API.

The service restores persisted node registrations, starts the health
monitor, bottleneck detector, and registry sync loops, and serves the
/v1 API plus Prometheus metrics until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		listenAddr, _ := cmd.Flags().GetString("listen-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.HTTP.ListenAddr = listenAddr
		}
		if dataDir != "" {
			cfg.Storage.DataDir = dataDir
		}

		setupLogging(cfg)
		metrics.SetVersion(Version)

		svc, err := coordinator.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create coordination service: %v", err)
		}
		if err := svc.Start(); err != nil {
			return fmt.Errorf("failed to start coordination service: %v", err)
		}

		apiServer := api.NewServer(svc, cfg.HTTP.ListenAddr)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(); err != nil {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		if err := apiServer.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to stop API server: %v\n", err)
		}
		if err := svc.Stop(); err != nil {
			return fmt.Errorf("failed to shutdown: %v", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ %s is valid\n", args[0])
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
	serveCmd.Flags().String("listen-addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory for persisted state (overrides config)")

	configCmd.AddCommand(configCheckCmd)
}

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage orchestrator nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := apiClient(cmd).ListNodes()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDOMAIN\tSTATUS\tUTIL%\tQUEUE\tSUCCESS%\tRESP MS")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%d\t%.1f\t%.1f\n",
				n.ID, n.Domain, n.Status, n.UtilizationPercent(),
				n.QueueSize, n.SuccessRate, n.AvgResponseTimeMs)
		}
		return w.Flush()
	},
}

var nodeRemoveCmd = &cobra.Command{
	Use:   "remove [id]",
	Short: "Unregister a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).UnregisterNode(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Node %s unregistered\n", args[0])
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeRemoveCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordination bridge status",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := apiClient(cmd).GetCoordinationMetrics()
		if err != nil {
			return err
		}

		fmt.Printf("Bridge status: %s (health %.1f)\n", m.Status, m.HealthScore)
		fmt.Printf("  Tasks routed: %d\n", m.TotalRouted)
		fmt.Printf("  Flow rate: %.1f/min (peak %.1f)\n", m.FlowRatePerMinute, m.PeakThroughput)
		fmt.Printf("  Success rate: %.1f%%\n", m.SuccessRatePercent)
		fmt.Printf("  Avg response: %.1fms\n", m.AvgResponseTimeMs)
		fmt.Printf("  Fleet utilization: %.1f%%\n", m.ResourceUtilizationPercent)
		fmt.Printf("  Sync lag: %.1fms\n", m.SyncLagMs)
		fmt.Printf("  Active bottlenecks: %d\n", m.ActiveBottleneckCount)
		return nil
	},
}

var bottlenecksCmd = &cobra.Command{
	Use:   "bottlenecks",
	Short: "List detected bottlenecks",
	RunE: func(cmd *cobra.Command, args []string) error {
		severity, _ := cmd.Flags().GetString("severity")
		bottlenecks, err := apiClient(cmd).ListBottlenecks(severity)
		if err != nil {
			return err
		}
		if len(bottlenecks) == 0 {
			fmt.Println("No bottlenecks detected")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tSEVERITY\tNODE\tIMPACT\tRESOLVED\tDESCRIPTION")
		for _, b := range bottlenecks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%v\t%s\n",
				b.Kind, b.Severity, b.AffectedNode, b.ImpactScore, b.Resolved(), b.Description)
		}
		return w.Flush()
	},
}

var routeCmd = &cobra.Command{
	Use:   "route [content]",
	Short: "Route a task and print the decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetString("priority")
		source, _ := cmd.Flags().GetString("source")
		target, _ := cmd.Flags().GetString("target")
		dispatch, _ := cmd.Flags().GetBool("dispatch")

		task := &types.Task{
			Content:  args[0],
			Priority: types.TaskPriority(priority),
		}

		c := apiClient(cmd)
		if dispatch {
			out, err := c.DispatchTask(task, source)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Task %s executed on %s (%s)\n",
				out.Decision.TaskID, out.Decision.TargetNode, out.Decision.Reason)
			if len(out.Result) > 0 {
				fmt.Printf("  Result: %s\n", out.Result)
			}
			return nil
		}

		decision, err := c.RouteTask(task, source, target)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Task %s -> %s\n", decision.TaskID, decision.TargetNode)
		fmt.Printf("  Strategy: %s\n", decision.Strategy)
		fmt.Printf("  Reason: %s\n", decision.Reason)
		fmt.Printf("  Confidence: %.2f, expected performance: %.1f\n",
			decision.Confidence, decision.ExpectedPerformance)
		return nil
	},
}

func init() {
	bottlenecksCmd.Flags().String("severity", "", "Filter by severity (low, medium, high, critical)")

	routeCmd.Flags().String("priority", "normal", "Task priority (low, normal, high)")
	routeCmd.Flags().String("source", "", "Source node to exclude from candidates")
	routeCmd.Flags().String("target", "", "Preferred target node (manual override)")
	routeCmd.Flags().Bool("dispatch", false, "Execute the task on the chosen node")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func setupLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
}
