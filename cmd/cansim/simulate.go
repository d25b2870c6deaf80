package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.einride.tech/can"

	"can-telemetry-core/sim"
	"can-telemetry-core/transport"
)

var (
	simInterval  time.Duration
	simScenario  string
	simIface     string
	simCAN       bool
	simRedis     bool
	simRedisAddr string
	simMetrics   int
	simSeed      int64
	simDecoded   []string
	simTicks     int
	simDuration  time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the ECU simulator",
	Long: `Advance every active signal once per tick and emit one frame per CAN id.

Frames go to SocketCAN (--can) and/or Redis (--redis). Signals named with
--decoded are read from the bus instead of simulated. With --ticks the
simulator runs that many ticks without a timer and prints the final values.`,
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.DurationVarP(&simInterval, "interval", "i", 0, "Tick interval (100ms..5s)")
	f.StringVar(&simScenario, "scenario", "", "Scenario JSON file")
	f.StringVar(&simIface, "iface", "", "SocketCAN interface name")
	f.BoolVar(&simCAN, "can", false, "Transmit frames on SocketCAN")
	f.BoolVar(&simRedis, "redis", false, "Publish frames and values to Redis")
	f.StringVar(&simRedisAddr, "redis-addr", "", "Redis address")
	f.IntVar(&simMetrics, "metrics-port", 0, "Serve Prometheus metrics on this port")
	f.Int64Var(&simSeed, "seed", 0, "Random seed (0 uses the clock)")
	f.StringSliceVar(&simDecoded, "decoded", nil, "Signals whose value comes from the bus")
	f.IntVar(&simTicks, "ticks", 0, "Run this many ticks offline and exit")
	f.DurationVar(&simDuration, "duration", 0, "Stop after this long (default: scenario duration or forever)")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("interval") {
		cfg.Simulation.TickInterval = simInterval
	}
	if flags.Changed("scenario") {
		cfg.Simulation.Scenario = simScenario
	}
	if flags.Changed("iface") {
		cfg.CAN.Interface = simIface
	}
	if flags.Changed("can") {
		cfg.CAN.Enabled = simCAN
	}
	if flags.Changed("redis") {
		cfg.Redis.Enabled = simRedis
	}
	if flags.Changed("redis-addr") {
		cfg.Redis.Addr = simRedisAddr
	}
	if flags.Changed("metrics-port") {
		cfg.Monitor.Enabled = simMetrics > 0
		cfg.Monitor.MetricsPort = simMetrics
	}
	if flags.Changed("seed") {
		cfg.Simulation.Seed = simSeed
	}
	if flags.Changed("decoded") {
		cfg.Simulation.Decoded = simDecoded
	}

	var scen *sim.Scenario
	if cfg.Simulation.Scenario != "" {
		s, err := sim.LoadScenario(cfg.Simulation.Scenario)
		if err != nil {
			return fmt.Errorf("load scenario: %w", err)
		}
		scen = &s
		if d := s.TickInterval(); d != 0 && !flags.Changed("interval") {
			cfg.Simulation.TickInterval = d
		}
		if s.Meta.Family != "" && !flags.Changed("family") && cfg.Simulation.SignalMap == "" {
			cfg.Simulation.Family = s.Meta.Family
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := loadRegistry(cfg, log)
	if err != nil {
		log.Errorf("startup failed: %v", err)
		return err
	}

	seed := cfg.Simulation.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	opts := []sim.Option{
		sim.WithLogger(log.WithField("component", "sim")),
		sim.WithRand(rand.New(rand.NewSource(seed))),
		sim.WithTickInterval(cfg.Simulation.TickInterval),
		sim.WithMetrics(startMetrics(ctx, cfg.Monitor, log)),
	}
	if scen != nil {
		opts = append(opts, sim.WithScenario(scen))
	}

	var reader interface {
		Run(ctx context.Context, fn func(can.Frame)) error
	}
	if cfg.CAN.Enabled {
		writer, err := transport.NewSocketCANWriter(ctx, cfg.CAN.Interface)
		if err != nil {
			log.Errorf("startup failed: %v", err)
			return err
		}
		defer writer.Close()
		opts = append(opts, sim.WithSink(writer))

		if len(cfg.Simulation.Decoded) > 0 {
			r, err := transport.NewSocketCANReader(ctx, cfg.CAN.Interface)
			if err != nil {
				log.Errorf("startup failed: %v", err)
				return err
			}
			defer r.Close()
			reader = r
		}
	}

	pub, closeRedis, err := connectRedis(ctx, cfg.Redis, log)
	if err != nil {
		log.Errorf("startup failed: %v", err)
		return err
	}
	defer closeRedis()
	if pub != nil {
		opts = append(opts, sim.WithSink(pub), sim.WithObserver(pub))
	}

	engine, err := sim.New(reg.Active(), opts...)
	if err != nil {
		return err
	}
	if len(cfg.Simulation.Decoded) > 0 && reader == nil {
		log.Warnf("decoded signals %v have no CAN source and will hold their value", cfg.Simulation.Decoded)
	}
	for _, name := range cfg.Simulation.Decoded {
		if err := engine.SetSource(name, sim.SourceDecoded); err != nil {
			return err
		}
	}

	if simTicks > 0 {
		var snap sim.Snapshot
		for i := 0; i < simTicks; i++ {
			snap = engine.Tick(ctx)
		}
		printSnapshot(cmd, snap)
		return nil
	}

	if reader != nil {
		go func() {
			err := reader.Run(ctx, func(f can.Frame) { engine.ApplyFrame(ctx, f) })
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("CAN receive stopped: %v", err)
			}
		}()
	}

	duration := simDuration
	if duration == 0 && scen != nil {
		duration = scen.Duration()
	}
	runCtx := ctx
	if duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	if err := engine.Start(runCtx, cfg.Simulation.TickInterval); err != nil {
		return err
	}
	<-runCtx.Done()
	engine.Stop()

	log.Infof("completed: ticks=%d", engine.Ticks())
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		printSnapshot(cmd, engine.Snapshot())
	}
	return nil
}

func printSnapshot(cmd *cobra.Command, snap sim.Snapshot) {
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	out := cmd.OutOrStdout()
	for _, name := range names {
		r := snap[name]
		fmt.Fprintf(out, "%-16s %12s %-6s %-6s %s\n", name, r.Text(), r.Unit, r.Trend, r.Source)
	}
}
