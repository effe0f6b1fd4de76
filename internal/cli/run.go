package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iambrandonn/taskvault/internal/actlog"
	"github.com/iambrandonn/taskvault/internal/approval"
	"github.com/iambrandonn/taskvault/internal/config"
	"github.com/iambrandonn/taskvault/internal/dedup"
	"github.com/iambrandonn/taskvault/internal/intake"
	"github.com/iambrandonn/taskvault/internal/processor"
	"github.com/iambrandonn/taskvault/internal/scheduler"
	"github.com/iambrandonn/taskvault/internal/sensor"
	"github.com/iambrandonn/taskvault/internal/vault"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestration daemon",
	Long: `Start the orchestration daemon: sensor pollers, the Inbox intake
watcher and the scheduler loop, all against the configured vault. Stops
cleanly on SIGINT/SIGTERM.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadOrCreateConfig(configPath)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	vaultRoot := determineVaultRoot(cfg, cfgPath)
	v := vault.New(vaultRoot)
	if err := v.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	logger, closeLog, err := newDaemonLogger(v)
	if err != nil {
		return err
	}
	defer closeLog()

	runID := fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])
	logger = logger.With("run_id", runID)

	logger.Info("loaded configuration", "path", cfgPath)
	logger.Info("vault root", "path", vaultRoot)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state := scheduler.NewState(time.Now().UTC())
	activity := actlog.New(v.ActivityLogPath())

	proc := processor.New(v, activity, logger, cfg.Executor.Timeout())
	proc.SetRecorder(state)

	router := approval.NewRouter(v, logger, approval.Policy{
		HighRiskTimeout: cfg.Approval.HighRiskTimeout(),
		DefaultTimeout:  cfg.Approval.DefaultTimeout(),
	})
	router.SetRecorder(state)

	watcher := intake.New(v, proc, logger, intake.Options{
		SettleDelay:    cfg.Intake.SettleDelay(),
		RescanInterval: cfg.Intake.RescanInterval(),
		DedupWindow:    cfg.Intake.DedupWindow(),
		EvictInterval:  cfg.Intake.EvictInterval(),
	})
	watcher.SetMonitor(state)

	loop := scheduler.NewLoop(v, watcher, router, proc, state, logger, scheduler.Options{
		Tick:           cfg.Scheduler.TickInterval(),
		Jitter:         cfg.Scheduler.TickJitter(),
		CycleDeadline:  cfg.Scheduler.CycleDeadline(),
		ErrorCooldown:  cfg.Scheduler.Cooldown(),
		StatsInterval:  cfg.Scheduler.StatsInterval(),
		HealthInterval: cfg.Scheduler.HealthInterval(),
	})

	// Sensor emissions nudge intake so a fresh record does not wait out a
	// full rescan interval.
	notify := make(chan string, 16)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-notify:
				watcher.Kick()
			}
		}
	}()

	runners, err := buildSensorRunners(cfg, v, vaultRoot, logger, notify)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, r := range runners {
		r := r
		loop.AddHealthSource(r)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watcher.Run(ctx); err != nil {
			logger.Error("intake watcher exited", "error", err)
		}
	}()

	err = loop.Run(ctx)
	wg.Wait()
	return err
}

// buildSensorRunners creates one runner per enabled sensor, each with its own
// durable dedup store and a spool directory under <vault>/spool/<name>.
func buildSensorRunners(cfg *config.Config, v *vault.Vault, vaultRoot string, logger *slog.Logger, notify chan<- string) ([]*sensor.Runner, error) {
	var runners []*sensor.Runner
	for _, sc := range cfg.Sensors {
		if !sc.Enabled {
			logger.Info("sensor disabled", "sensor", sc.Name)
			continue
		}

		spoolDir := filepath.Join(vaultRoot, "spool", sc.Name)
		if err := os.MkdirAll(spoolDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create spool for sensor %s: %w", sc.Name, err)
		}

		storePath := filepath.Join(v.StateDir(), "sensor-"+sc.Name+".json")
		store, err := dedup.OpenStore(storePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open dedup store for sensor %s: %w", sc.Name, err)
		}

		s := sensor.NewSpool(sc.Name, spoolDir)
		runners = append(runners, sensor.NewRunner(s, v, store, logger, sc.PollInterval(), notify))
	}
	return runners, nil
}

// newDaemonLogger tees structured logs to stdout and Logs/system.log.
func newDaemonLogger(v *vault.Vault) (*slog.Logger, func(), error) {
	logPath := filepath.Join(v.LogsDir(), "system.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stdout, f), &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	return logger, func() { f.Close() }, nil
}

// loadOrCreateConfig finds an existing config or creates a new one: walk up
// the directory tree, create in CWD if not found.
func loadOrCreateConfig(configPath string) (*config.Config, string, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, "", err
		}
		return cfg, configPath, nil
	}

	foundPath, err := findConfigInTree()
	if err != nil {
		return nil, "", err
	}

	if foundPath != "" {
		cfg, err := config.Load(foundPath)
		if err != nil {
			return nil, "", err
		}
		return cfg, foundPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}

	defaultPath := filepath.Join(cwd, "taskvault.json")
	cfg := config.GenerateDefault()
	if err := config.Save(cfg, defaultPath); err != nil {
		return nil, "", fmt.Errorf("failed to save default config: %w", err)
	}
	return cfg, defaultPath, nil
}

// findConfigInTree searches up the directory tree for taskvault.json.
func findConfigInTree() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	for {
		configPath := filepath.Join(dir, "taskvault.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// determineVaultRoot resolves the vault root relative to the config file.
func determineVaultRoot(cfg *config.Config, configPath string) string {
	configDir := filepath.Dir(configPath)
	if cfg.VaultRoot == "." {
		return configDir
	}
	if filepath.IsAbs(cfg.VaultRoot) {
		return cfg.VaultRoot
	}
	return filepath.Join(configDir, cfg.VaultRoot)
}
