// cmd/castellan/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/castelmind/castellan/internal/autonomy"
	"github.com/castelmind/castellan/internal/broker"
	"github.com/castelmind/castellan/internal/config"
	"github.com/castelmind/castellan/internal/dispatch"
	"github.com/castelmind/castellan/internal/events"
	"github.com/castelmind/castellan/internal/gateway"
	"github.com/castelmind/castellan/internal/heartbeat"
	"github.com/castelmind/castellan/internal/metrics"
	"github.com/castelmind/castellan/internal/presence"
	"github.com/castelmind/castellan/internal/registry"
	"github.com/castelmind/castellan/internal/skill"
	"github.com/castelmind/castellan/internal/skills/insight"
	"github.com/castelmind/castellan/internal/skills/milestone"
	"github.com/castelmind/castellan/internal/skills/repowatch"
	"github.com/castelmind/castellan/internal/store"
	"github.com/castelmind/castellan/internal/tenant"
	"github.com/castelmind/castellan/internal/vector"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath string
	listenFlag string
)

func versionString() string {
	return fmt.Sprintf("castellan %s (commit: %s, built: %s)", version, commit, date)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "castellan",
		Short: "Multi-tenant skill runtime",
		Long:  "castellan — gateway, dispatcher, heartbeat scheduler and the built-in skills in one process.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.Flags().StringVar(&listenFlag, "listen", "", "override gateway listen address")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(versionString())
		},
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(tenantCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenFlag != "" {
		cfg.Server.ListenAddr = listenFlag
	}
	if cfg.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.postgres_dsn is required (set CASTELLAN_POSTGRES_DSN)")
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting castellan",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("listen_addr", cfg.Server.ListenAddr))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	st, err := store.New(ctx, cfg.Storage.PostgresDSN, logger)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer st.Close()

	tenants := tenant.NewManager(st, logger)

	var tracker *presence.Tracker
	if cfg.Storage.RedisAddr != "" {
		tracker, err = presence.New(presence.Config{
			Addr: cfg.Storage.RedisAddr,
			DB:   cfg.Storage.RedisDB,
		}, logger)
		if err != nil {
			return err
		}
		defer tracker.Close()
	} else {
		logger.Warn("redis not configured, presence tracking disabled")
	}

	bus := events.NewBus(logger)
	defer bus.Close()

	engine := autonomy.NewEngine(autonomy.NewPolicy(), st, logger, autonomy.Config{
		TTL:           cfg.Autonomy.TTL(),
		SweepInterval: cfg.Autonomy.SweepInterval(),
		Retention:     cfg.Autonomy.Retention(),
	})
	engine.StartSweeper(ctx)

	reg := registry.New(logger)
	if err := registerSkills(reg, cfg, engine, bus, st, logger); err != nil {
		return err
	}
	if err := reg.Init(ctx); err != nil {
		return err
	}
	for _, rep := range reg.Statuses() {
		logger.Info("skill initialized",
			zap.String("skill", rep.Name),
			zap.String("version", rep.Version),
			zap.String("state", rep.State))
	}

	disp := dispatch.New(reg, engine, logger, m, dispatch.Config{
		RequestTimeout: cfg.Dispatch.RequestTimeout(),
		SkillTimeouts:  cfg.Dispatch.SkillTimeouts(),
	})
	disp.RequirePermissions(insight.IntentIngestReport, skill.PermWriteOwnCollection)
	disp.RequirePermissions(insight.IntentDeleteReport, skill.PermWriteOwnCollection)
	disp.RequirePermissions(insight.IntentGetReport, skill.PermReadOwnCollection)
	disp.RequirePermissions(insight.IntentFindReports, skill.PermReadOwnCollection)
	disp.RequirePermissions(insight.IntentAskInsight, skill.PermReadOwnCollection)
	disp.RequirePermissions(milestone.IntentGetProgress, skill.PermReadProfile)

	var users heartbeat.UserSource
	if tracker != nil {
		users = tracker
	} else {
		users = heartbeat.UserSourceFunc(func(context.Context) ([]string, error) { return nil, nil })
	}
	sched := heartbeat.New(reg, users, deliverActions(bus, logger), logger, m, heartbeat.Config{
		Interval:      cfg.Heartbeat.Interval(),
		SkillTimeout:  cfg.Heartbeat.SkillTimeout(),
		Concurrency:   cfg.Heartbeat.Concurrency,
		ShutdownGrace: cfg.Heartbeat.ShutdownGrace(),
	})
	go sched.Run(ctx)

	var pres gateway.Presence
	if tracker != nil {
		pres = tracker
	}
	gw := gateway.NewServer(disp, reg, tenants, pres, promReg, logger)
	if err := gw.ListenAndServe(ctx, cfg.Server.ListenAddr); err != nil {
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	reg.Shutdown(shutdownCtx)
	return nil
}

// registerSkills wires the built-in skills that the config enables. The
// milestone skill is always on; repowatch and insight need their backing
// services configured.
func registerSkills(reg *registry.Registry, cfg *config.Config, engine *autonomy.Engine, bus *events.Bus, st *store.Store, logger *zap.Logger) error {
	if repo := cfg.Skills.RepoWatch.Repo; repo != "" {
		token, err := cfg.Skills.RepoWatch.GitHubToken()
		if err != nil {
			return fmt.Errorf("repowatch: %w", err)
		}
		api, err := repowatch.NewClient(token, repo)
		if err != nil {
			return fmt.Errorf("repowatch: %w", err)
		}
		rw := repowatch.New(api, engine, bus, repowatch.Config{
			Repo:       repo,
			StaleAfter: time.Duration(cfg.Skills.RepoWatch.StaleAfterDays) * 24 * time.Hour,
		}, logger)
		if err := reg.Register(rw); err != nil {
			return err
		}
	} else {
		logger.Info("repowatch skill disabled: no repository configured")
	}

	if cfg.Vector.BaseURL != "" {
		var enc *vector.Encryptor
		if cfg.Vector.EncryptionKey != "" {
			var err error
			enc, err = vector.NewEncryptor(cfg.Vector.EncryptionKey)
			if err != nil {
				return fmt.Errorf("vector encryption: %w", err)
			}
		} else {
			logger.Warn("vector payload encryption disabled: no encryption key configured")
		}
		vec := vector.NewClient(vector.Config{
			BaseURL: cfg.Vector.BaseURL,
			APIKey:  cfg.Vector.APIKey,
		}, enc, logger)

		ins := insight.New(vec, buildBroker(cfg.Broker, logger), bus, insight.Config{
			Collection: cfg.Skills.Insight.Collection,
		}, logger)
		if err := reg.Register(ins); err != nil {
			return err
		}
	} else {
		logger.Info("insight skill disabled: no vector store configured")
	}

	return reg.Register(milestone.New(st, engine, bus, logger))
}

// buildBroker assembles the inference chain: HTTP client wrapped in the
// rate limiter, wrapped in the circuit breaker. Without a configured
// broker every call reports ErrUnavailable so skills degrade instead of
// failing startup.
func buildBroker(cfg config.BrokerConfig, logger *zap.Logger) broker.Broker {
	if cfg.BaseURL == "" {
		logger.Warn("inference broker not configured")
		return broker.Func(func(context.Context, string, string, int, float64) (string, error) {
			return "", fmt.Errorf("no inference broker configured: %w", broker.ErrUnavailable)
		})
	}
	b := broker.Broker(broker.NewHTTPBroker(broker.Config{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Timeout: cfg.Timeout(),
	}, logger))
	b = broker.WithRateLimit(b, cfg.RequestsPerSec, cfg.Burst, logger)
	b = broker.WithBreaker(b, broker.BreakerConfig{ConsecutiveFailures: cfg.BreakerFailures}, logger)
	return b
}

// deliverActions hands heartbeat actions to the adapter layer via the event
// bus. Transports subscribe to "heartbeat.action" and turn them into
// platform messages.
func deliverActions(bus *events.Bus, logger *zap.Logger) heartbeat.DeliverFunc {
	return func(_ context.Context, actions []skill.HeartbeatAction) {
		for _, a := range actions {
			bus.Emit("heartbeat.action", a.SkillName, map[string]any{
				"user_id":     a.UserID,
				"action_type": a.ActionType,
				"priority":    a.Priority,
				"data":        a.Data,
			})
			logger.Info("heartbeat action delivered",
				zap.String("skill", a.SkillName),
				zap.String("user_id", a.UserID),
				zap.String("action_type", a.ActionType),
				zap.Int("priority", a.Priority))
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// tenantCmd is the operator surface for API tenants. Keys are printed once
// at creation and never stored in recoverable form.
func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage API tenants",
	}

	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a tenant and print its API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.PostgresDSN == "" {
				return fmt.Errorf("storage.postgres_dsn is required (set CASTELLAN_POSTGRES_DSN)")
			}
			st, err := store.New(c.Context(), cfg.Storage.PostgresDSN, zap.NewNop())
			if err != nil {
				return fmt.Errorf("connect to postgres: %w", err)
			}
			defer st.Close()

			t, key, err := tenant.NewManager(st, zap.NewNop()).CreateTenant(c.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("tenant:  %s (%s)\napi key: %s\n\nStore this key now. It cannot be recovered later.\n", t.Name, t.ID, key)
			return nil
		},
	}

	cmd.AddCommand(create)
	return cmd
}
