// cmd/castellan-updater/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/castelmind/castellan/internal/config"
	"github.com/castelmind/castellan/internal/sidecar"
	"github.com/castelmind/castellan/internal/update"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath string
	jsonOut    bool

	tagFlag        string
	newVersionFlag string
	shaFlag        string
)

// Exit codes: 0 success, 1 runtime failure, 2 bad invocation, 3 another
// operation holds the update lock.
const (
	exitFailure = 1
	exitUsage   = 2
	exitBusy    = 3
)

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func exitCode(err error) int {
	if errors.Is(err, update.ErrBusy) {
		return exitBusy
	}
	var ue usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	return exitFailure
}

func versionString() string {
	return fmt.Sprintf("castellan-updater %s (commit: %s, built: %s)", version, commit, date)
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "castellan-updater",
		Short:         "Self-update sidecar",
		Long:          "castellan-updater — applies tagged releases to the running deployment and serves the loopback update RPC.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print results as JSON")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(versionString())
		},
	}

	rootCmd.AddCommand(versionCmd, serveCmd(), applyCmd(), rollbackCmd(), statusCmd(), historyCmd(), diagnosticsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the update sidecar",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	u := cfg.Updater

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	composePath := u.ComposeFile
	if !filepath.IsAbs(composePath) {
		composePath = filepath.Join(u.ProjectDir, composePath)
	}
	manifest, err := update.LoadManifest(composePath)
	if err != nil {
		return err
	}
	if u.HealthURLs != "" {
		manifest.ApplyHealthURLs(u.HealthURLs)
	}
	logger.Info("starting updater",
		zap.String("version", version),
		zap.String("project_dir", u.ProjectDir),
		zap.Strings("services", manifest.Names()),
		zap.String("listen_addr", u.ListenAddr))

	git := update.NewGitCmd(u.ProjectDir)
	compose := update.NewComposeCmd(u.ProjectDir, composePath)
	health := update.NewHealthValidator(logger).WithPolicy(u.HealthRetries, u.HealthDelay())

	history, err := update.NewHistory(u.HistoryDB)
	if err != nil {
		return err
	}
	defer history.Close()

	exec := update.NewExecutor(git, compose, manifest, update.ExecutorOptions{
		Health:         health,
		Records:        history,
		Logger:         logger,
		CurrentVersion: version,
		BuildTimeout:   u.BuildTimeout(),
		RestartTimeout: u.RestartTimeout(),
	})

	secret, err := sidecar.LoadOrCreateSecret(u.SecretPath)
	if err != nil {
		return err
	}
	collector := sidecar.NewCollector(git, compose, u.ProjectDir, logger)

	return sidecar.NewServer(exec, collector, secret, logger).ListenAndServe(ctx, u.ListenAddr)
}

func applyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Roll the deployment to a tagged release",
		RunE: func(c *cobra.Command, _ []string) error {
			if tagFlag == "" {
				return usageError{"apply requires --tag"}
			}
			ver := newVersionFlag
			if ver == "" {
				ver = strings.TrimPrefix(tagFlag, "v")
			}
			client, err := loadClient()
			if err != nil {
				return err
			}
			res, err := client.Apply(c.Context(), tagFlag, ver)
			if err != nil {
				return err
			}
			if err := printResult(res); err != nil {
				return err
			}
			if res.Status != update.StatusSuccess {
				return fmt.Errorf("update finished with status %s: %s", res.Status, res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tagFlag, "tag", "", "git tag to deploy (e.g. v1.4.0)")
	cmd.Flags().StringVar(&newVersionFlag, "release-version", "", "version recorded in history (defaults to the tag without a leading v)")
	return cmd
}

func rollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore a previous deployment SHA",
		RunE: func(c *cobra.Command, _ []string) error {
			client, err := loadClient()
			if err != nil {
				return err
			}
			res, err := client.Rollback(c.Context(), shaFlag)
			if err != nil {
				return err
			}
			if err := printResult(res); err != nil {
				return err
			}
			if res.Status != update.StatusSuccess {
				return fmt.Errorf("rollback finished with status %s: %s", res.Status, res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&shaFlag, "sha", "", "target SHA (defaults to the SHA recorded before the last update)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the executor's current state",
		RunE: func(c *cobra.Command, _ []string) error {
			client, err := loadClient()
			if err != nil {
				return err
			}
			info, err := client.Status(c.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(info)
			}
			fmt.Printf("state:   %s\n", info.State)
			if info.CurrentOperation != "" {
				fmt.Printf("running: %s\n", info.CurrentOperation)
			}
			fmt.Printf("version: %s\n", info.Version)
			fmt.Printf("uptime:  %.0fs\n", info.UptimeSeconds)
			if lr := info.LastResult; lr != nil {
				fmt.Printf("last:    %s at %s\n", lr.Status, lr.FinishedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List recent update attempts, newest first",
		RunE: func(c *cobra.Command, _ []string) error {
			client, err := loadClient()
			if err != nil {
				return err
			}
			results, err := client.History(c.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(results)
			}
			if len(results) == 0 {
				fmt.Println("no update attempts recorded")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tSTATUS\tPREVIOUS\tNEW\tERROR")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.StartedAt.Format("2006-01-02 15:04:05"),
					r.Status, short(r.PreviousSHA), short(r.NewSHA), r.Error)
			}
			return w.Flush()
		},
	}
}

func diagnosticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Show the deployment diagnostics snapshot",
		RunE: func(c *cobra.Command, _ []string) error {
			client, err := loadClient()
			if err != nil {
				return err
			}
			d, err := client.Diagnostics(c.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(d)
			}
			fmt.Printf("git sha:  %s\n", d.GitSHA)
			fmt.Printf("git ref:  %s\n", d.GitRef)
			fmt.Printf("clean:    %t\n", d.WorkingTreeClean)
			fmt.Printf("collected: %s\n", d.CollectedAt.Format("2006-01-02 15:04:05"))
			if d.Containers != "" {
				fmt.Printf("\ncontainers:\n%s\n", d.Containers)
			}
			if d.DiskUsage != "" {
				fmt.Printf("\ndisk usage:\n%s\n", d.DiskUsage)
			}
			for _, e := range d.Errors {
				fmt.Fprintf(os.Stderr, "probe failed: %s\n", e)
			}
			return nil
		},
	}
}

// loadClient builds the RPC client from config. The CLI reads the same
// shared secret file as the sidecar, so it must run on the sidecar's host.
func loadClient() (*sidecar.Client, error) {
	_ = godotenv.Load()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	secret, err := sidecar.LoadOrCreateSecret(cfg.Updater.SecretPath)
	if err != nil {
		return nil, err
	}
	return sidecar.NewClient(cfg.Updater.BaseURL, secret), nil
}

func printResult(res update.Result) error {
	if jsonOut {
		return printJSON(res)
	}
	fmt.Printf("status:   %s\n", res.Status)
	fmt.Printf("previous: %s\n", res.PreviousSHA)
	if res.NewSHA != "" {
		fmt.Printf("new:      %s\n", res.NewSHA)
	}
	if len(res.StepsCompleted) > 0 {
		fmt.Printf("steps:    %s\n", strings.Join(res.StepsCompleted, ", "))
	}
	fmt.Printf("duration: %.1fs\n", res.Duration)
	if res.Error != "" {
		fmt.Printf("error:    %s\n", res.Error)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
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
