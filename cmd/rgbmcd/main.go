package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rgbmc/server/internal/config"
	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/rgbmc/server/internal/core/event"
	"github.com/rgbmc/server/internal/core/system"
	"github.com/rgbmc/server/internal/data"
	"github.com/rgbmc/server/internal/game"
	"github.com/rgbmc/server/internal/metrics"
	gonet "github.com/rgbmc/server/internal/net"
	"github.com/rgbmc/server/internal/plugin"
	"github.com/rgbmc/server/internal/spatial"
	"github.com/rgbmc/server/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/go-gl/mathgl/mgl64"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(serverName string, serverID int) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m              rgbmc  v0.1.0                \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m    parallel entity-component runtime      \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mserver:\033[0m %s \033[90m(id: %d)\033[0m\n\n", serverName, serverID)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - len(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main server logic ─────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "config/server.toml"
	if p := os.Getenv("RGBMC_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = config.Default()
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name, cfg.Server.ID)

	// 3. Core runtime: world, grid, bus, versioned store, scheduler
	printSection("runtime")

	world := ecs.NewWorld(log)
	game.RegisterComponents(world)
	grid := spatial.NewGrid()
	bus := event.NewBus(log)
	event.Wire(world, bus)

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	st, err := store.Open(cfg.Store.Path, cfg.Store.SyncEveryTick, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	printOK(fmt.Sprintf("world store open (tick %d)", st.LatestTick()))

	col := metrics.NewCollector()
	sched := system.NewScheduler(world, grid, bus, st, col, system.Options{
		Workers:      cfg.Tick.Workers,
		SoftDeadline: cfg.Tick.SoftDeadline,
	}, log)
	defer sched.Close()
	game.WirePosition(world, sched)
	game.RegisterSystems(sched)
	printOK(fmt.Sprintf("scheduler ready (%d workers)", cfg.Tick.Workers))

	// Resume from the last committed tick.
	if st.LatestTick() > 0 {
		if err := sched.Revert(st.LatestTick()); err != nil {
			return fmt.Errorf("restore world: %w", err)
		}
		printOK(fmt.Sprintf("world restored (%d entities)", world.EntityCount()))
	}

	// 4. Data tables
	printSection("data")

	blocks, mobs, err := loadTables(cfg)
	if err != nil {
		return err
	}
	printStat("block templates", blocks.Count())
	printStat("mob templates", mobs.Count())

	spawned := spawnMobs(world, mobs)
	printStat("mobs spawned", spawned)

	// 5. Network server and ingress/egress systems
	netServer, err := gonet.NewServer(
		cfg.Network.BindAddress,
		cfg.Network.InQueueSize,
		cfg.Network.OutQueueSize,
		cfg.Network.ReadTimeout,
		cfg.Network.WriteTimeout,
		log,
	)
	if err != nil {
		return fmt.Errorf("net server: %w", err)
	}

	inputSys := game.NewInputSystem(netServer, cfg.Tick.MaxCommandsPerTick, log)
	game.RegisterHandlers(inputSys)
	sched.Register(inputSys)
	sched.Register(game.OutputSystem{})

	// 6. Plugins
	host := plugin.NewHost(&plugin.Runtime{
		World: world,
		Bus:   bus,
		Sched: sched,
		Log:   log,
	}, log)
	if cfg.Plugins.Enabled {
		printSection("plugins")
		if err := host.LoadDir(cfg.Plugins.Dir); err != nil {
			return fmt.Errorf("load plugins: %w", err)
		}
		printStat("plugins active", len(host.Active()))
	}
	defer host.UnloadAll()

	// 7. Game loop
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		netServer.AcceptLoop()
		return nil
	})

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Tick.Rate)
	defer ticker.Stop()

	printSection("server ready")
	printReady(fmt.Sprintf("listening on %s", netServer.Addr().String()))
	printReady(fmt.Sprintf("game loop running (tick: %s)", cfg.Tick.Rate))
	fmt.Println()

	const compactCheckInterval = 6000 // ticks between compaction checks
	compactCounter := 0

	for {
		select {
		case <-ticker.C:
			tick, err := sched.RunTick(cfg.Tick.Rate)
			if err != nil {
				// Integrity failures restart from the last good root.
				log.Error("tick failed, reverting to last good tick",
					zap.Error(err),
					zap.Uint64("tick", st.LatestTick()))
				if rerr := sched.Revert(st.LatestTick()); rerr != nil {
					return fmt.Errorf("recovery failed: %w", rerr)
				}
				continue
			}
			compactCounter++
			if compactCounter >= compactCheckInterval && tick > 2*compactCheckInterval {
				compactCounter = 0
				if err := st.Compact(tick-compactCheckInterval, cfg.Store.CompactKeepN); err != nil {
					log.Error("compaction failed", zap.Error(err))
				}
			}
		case <-ctx.Done():
			return g.Wait()
		case sig := <-shutdownCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			netServer.Shutdown()
			log.Info("server stopped",
				zap.Uint64("final_tick", st.LatestTick()),
				zap.Uint64("overruns", col.Overruns()))
			return nil
		}
	}
}

// loadTables reads the YAML data tables, tolerating absent files on a
// fresh install.
func loadTables(cfg *config.Config) (*data.BlockTable, *data.MobTable, error) {
	blocks := &data.BlockTable{}
	mobs := &data.MobTable{}
	if _, err := os.Stat(cfg.Data.BlockTable); err == nil {
		blocks, err = data.LoadBlockTable(cfg.Data.BlockTable)
		if err != nil {
			return nil, nil, fmt.Errorf("load block table: %w", err)
		}
	}
	if _, err := os.Stat(cfg.Data.MobTable); err == nil {
		mobs, err = data.LoadMobTable(cfg.Data.MobTable)
		if err != nil {
			return nil, nil, fmt.Errorf("load mob table: %w", err)
		}
	}
	return blocks, mobs, nil
}

// spawnMobs places one instance of each template on a deterministic line
// near the origin. Only runs on a fresh world.
func spawnMobs(w *ecs.World, mobs *data.MobTable) int {
	if w.EntityCount() > 1 {
		return 0 // restored world already has its population
	}
	n := 0
	for id := int32(0); id < 1024; id++ {
		tmpl := mobs.Get(id)
		if tmpl == nil {
			continue
		}
		w.Spawn([]ecs.ComponentValue{
			{ID: ecs.ID[game.Position](w), V: game.Position{Vec: mgl64.Vec3{float64(n * 4), 64, 0}}},
			{ID: ecs.ID[game.Health](w), V: game.Health{HP: tmpl.HP, Max: tmpl.HP}},
			{ID: ecs.ID[game.Mob](w), V: game.Mob{TemplateID: tmpl.ID}},
		}, nil)
		n++
	}
	return n
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
