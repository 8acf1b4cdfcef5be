package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"stratus/internal/agent"
	"stratus/internal/bus"
	"stratus/internal/config"
	"stratus/internal/distributor"
	"stratus/internal/logging"
	"stratus/internal/metrics"
	"stratus/internal/registry"
	"stratus/internal/types"
)

var (
	// Global flags
	verbose    bool
	configPath string
	devices    int

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "stratus",
	Short: "stratus - distributed agent messaging and task distribution core",
	Long: `stratus runs the in-process message bus, device registry and
priority task distributor that coordinate a fleet of compute devices.

Tasks are matched against registered devices by resource requirements,
partitioned into subtasks, fanned out over the bus, and their results
aggregated by consensus.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// serveCmd runs the core with a fleet of simulated devices
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bus, registry and distributor with simulated devices",
	RunE:  runServe,
}

// demoCmd runs the core, submits sample weather tasks, prints results
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Submit sample weather tasks and print aggregated results",
	RunE:  runDemo,
}

// initCmd writes a starter config file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file to the --config path",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", configPath)
		}
		cfg := config.DefaultConfig()
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", configPath)
		return nil
	},
}

// versionCmd prints version info
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.DefaultConfig()
		fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "stratus.yaml", "Path to config file")
	rootCmd.PersistentFlags().IntVar(&devices, "devices", 4, "Number of simulated devices")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// core bundles the running components so serve and demo share setup.
type core struct {
	cfg       *config.Config
	collector *metrics.Collector
	bus       *bus.Bus
	registry  *registry.Registry
	dist      *distributor.Distributor
	agents    []*agent.Agent
}

func buildCore() (*core, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := logging.Initialize(logging.Options{
		Enabled: cfg.Logging.Enabled,
		Dir:     cfg.Logging.Dir,
		Level:   cfg.Logging.Level,
	}); err != nil {
		logger.Warn("file logging disabled", zap.Error(err))
	}
	logging.Boot("%s %s starting", cfg.Name, cfg.Version)

	collector := metrics.NewCollector("stratus", logger)

	b := bus.New(bus.Options{
		PollInterval: cfg.BusPollInterval(),
		DrainTimeout: cfg.BusDrainTimeout(),
		Collector:    collector,
	})

	reg := registry.New(registry.Options{
		HeartbeatTTL:    cfg.HeartbeatTTL(),
		MaxFanout:       cfg.Registry.MaxFanout,
		PremiumScore:    cfg.Registry.PremiumScore,
		ReservePriority: cfg.Registry.ReservePriority,
	})

	dist, err := distributor.New(distributor.Options{
		Finder:         reg,
		Bus:            b,
		Collector:      collector,
		Contributions:  reg,
		PollInterval:   cfg.DistributorPollInterval(),
		MaxRequeues:    cfg.Distributor.MaxRequeues,
		RequeueBackoff: cfg.RequeueBackoff(),
		TaskTimeout:    cfg.TaskTimeout(),
	})
	if err != nil {
		return nil, err
	}

	c := &core{cfg: cfg, collector: collector, bus: b, registry: reg, dist: dist}
	if err := c.spawnDevices(devices); err != nil {
		return nil, err
	}
	return c, nil
}

// spawnDevices registers n simulated devices of varied shapes and wires
// a device agent for each.
func (c *core) spawnDevices(n int) error {
	for i := 0; i < n; i++ {
		profile := simulatedProfile(i)
		if err := c.registry.Register(profile); err != nil {
			return err
		}
		a := agent.NewDeviceAgent(profile, c.bus, simulatedExecutor(profile))
		c.agents = append(c.agents, a)
	}
	logger.Info("simulated fleet ready", zap.Int("devices", n))
	return nil
}

func (c *core) start() {
	c.bus.Start()
	c.dist.Start()
	for _, a := range c.agents {
		a.Start()
	}
}

func (c *core) stop() {
	for _, a := range c.agents {
		a.Stop()
	}
	c.dist.Stop()
	c.bus.Stop()
	logging.Boot("shutdown complete")
	logging.CloseAll()
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := buildCore()
	if err != nil {
		return err
	}
	c.start()
	defer c.stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if c.cfg.Metrics.Enabled {
		srv := &http.Server{Addr: c.cfg.Metrics.Listen, Handler: c.collector.Handler()}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", c.cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		c.registry.SweepLoop(ctx, c.cfg.SweepInterval())
		return nil
	})

	// Periodic heartbeats for the simulated fleet.
	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.HeartbeatTTL() / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, a := range c.agents {
					c.registry.Heartbeat(a.ID())
				}
			}
		}
	})

	logger.Info("stratus running, ctrl-c to stop")
	return g.Wait()
}

func runDemo(cmd *cobra.Command, args []string) error {
	c, err := buildCore()
	if err != nil {
		return err
	}
	c.start()
	defer c.stop()

	type outcome struct {
		name string
		task types.Task
	}
	results := make(chan outcome, 3)
	submit := func(name string, req distributor.TaskRequest) error {
		req.Callback = func(task types.Task) {
			results <- outcome{name: name, task: task}
		}
		_, err := c.dist.SubmitTask(req)
		return err
	}

	readings := make([]any, 0, 24)
	for h := 0; h < 24; h++ {
		readings = append(readings, map[string]any{
			"hour":        h,
			"temperature": 14.0 + float64(h%12),
			"humidity":    55.0 + float64(h%20),
		})
	}

	if err := submit("data_processing", distributor.TaskRequest{
		Type:     "data_processing",
		Payload:  readings,
		Priority: 2,
	}); err != nil {
		return err
	}
	if err := submit("prediction", distributor.TaskRequest{
		Type:     "prediction",
		Payload:  map[string]any{"horizon_hours": 6},
		Priority: 1,
	}); err != nil {
		return err
	}
	if err := submit("anomaly_detection", distributor.TaskRequest{
		Type:     "anomaly_detection",
		Payload:  readings,
		Priority: 3,
	}); err != nil {
		return err
	}

	for i := 0; i < 3; i++ {
		select {
		case o := <-results:
			fmt.Printf("task %-18s %s", o.name, o.task.Status)
			if o.task.FailReason != "" {
				fmt.Printf(" (%s)", o.task.FailReason)
			}
			fmt.Printf("\n  result: %v\n", o.task.Result)
		case <-time.After(30 * time.Second):
			return fmt.Errorf("timed out waiting for task results")
		}
	}

	stats := c.registry.SystemStats()
	fmt.Printf("\nfleet: %d/%d active, %d completed, %d failed, avg score %.1f\n",
		stats.ActiveDevices, stats.TotalDevices, stats.TasksCompleted, stats.TasksFailed, stats.AverageScore)
	return nil
}
