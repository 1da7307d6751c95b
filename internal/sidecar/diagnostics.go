package sidecar

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/castelmind/castellan/internal/update"
)

// Diagnostics is the snapshot served by GET /diagnostics.
type Diagnostics struct {
	GitSHA           string    `json:"git_sha"`
	GitRef           string    `json:"git_ref"`
	WorkingTreeClean bool      `json:"working_tree_clean"`
	Containers       string    `json:"containers"`
	DiskUsage        string    `json:"disk_usage"`
	CollectedAt      time.Time `json:"collected_at"`
	Errors           []string  `json:"errors,omitempty"`
}

// DiagnosticsSource produces a Diagnostics snapshot.
type DiagnosticsSource interface {
	Collect(ctx context.Context) Diagnostics
}

// Collector gathers diagnostics from the real checkout and container
// runtime. Probe failures are reported in the snapshot's Errors list
// rather than failing the whole request, so a broken docker daemon does
// not hide the git state.
type Collector struct {
	git     *update.GitCmd
	compose *update.ComposeCmd
	workDir string
	logger  *zap.Logger
}

// NewCollector creates a Collector probing workDir.
func NewCollector(git *update.GitCmd, compose *update.ComposeCmd, workDir string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{git: git, compose: compose, workDir: workDir, logger: logger}
}

// Collect runs every probe and returns whatever it could gather.
func (c *Collector) Collect(ctx context.Context) Diagnostics {
	d := Diagnostics{CollectedAt: time.Now().UTC()}
	fail := func(probe string, err error) {
		d.Errors = append(d.Errors, fmt.Sprintf("%s: %v", probe, err))
		c.logger.Warn("diagnostics probe failed", zap.String("probe", probe), zap.Error(err))
	}

	if sha, err := c.git.CurrentSHA(ctx); err != nil {
		fail("git_sha", err)
	} else {
		d.GitSHA = sha
	}
	if ref, err := c.git.CurrentRef(ctx); err != nil {
		fail("git_ref", err)
	} else {
		d.GitRef = ref
	}
	if clean, err := c.git.WorkingTreeClean(ctx); err != nil {
		fail("working_tree", err)
	} else {
		d.WorkingTreeClean = clean
	}
	if ps, err := c.compose.PS(ctx); err != nil {
		fail("containers", err)
	} else {
		d.Containers = ps
	}
	if usage, err := diskUsage(ctx, c.workDir); err != nil {
		fail("disk_usage", err)
	} else {
		d.DiskUsage = usage
	}
	return d
}

func diskUsage(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "df", "-h", dir)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("df: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("df: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
