package update

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git is the slice of git the executor needs. *GitCmd implements it
// against a real checkout; tests substitute fakes.
type Git interface {
	Fetch(ctx context.Context, ref string) error
	Checkout(ctx context.Context, ref string) error
	CurrentSHA(ctx context.Context) (string, error)
}

// Compose drives docker compose for the managed services.
type Compose interface {
	Build(ctx context.Context) error
	Restart(ctx context.Context, service string) error
}

// GitCmd runs git subcommands in a fixed working directory.
type GitCmd struct {
	workDir string
}

// NewGitCmd creates a GitCmd rooted at workDir.
func NewGitCmd(workDir string) *GitCmd {
	return &GitCmd{workDir: workDir}
}

// Fetch pulls tags from origin. When ref is non-empty only that ref is
// fetched.
func (g *GitCmd) Fetch(ctx context.Context, ref string) error {
	args := []string{"fetch", "--tags", "--force", "origin"}
	if ref != "" {
		args = append(args, ref)
	}
	_, err := g.run(ctx, args...)
	return err
}

// Checkout switches the working tree to ref (a tag, branch, or SHA).
func (g *GitCmd) Checkout(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "checkout", ref)
	return err
}

// CurrentSHA returns the full SHA of HEAD.
func (g *GitCmd) CurrentSHA(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentRef returns the symbolic name of HEAD, or "detached" when HEAD
// does not point at a branch.
func (g *GitCmd) CurrentRef(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	ref := strings.TrimSpace(out)
	if ref == "HEAD" {
		return "detached", nil
	}
	return ref, nil
}

// WorkingTreeClean reports whether the checkout has no local modifications.
func (g *GitCmd) WorkingTreeClean(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

func (g *GitCmd) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.workDir
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}

// ComposeCmd runs docker compose against one compose file.
type ComposeCmd struct {
	workDir     string
	composeFile string
}

// NewComposeCmd creates a ComposeCmd for composeFile, executing in workDir.
func NewComposeCmd(workDir, composeFile string) *ComposeCmd {
	return &ComposeCmd{workDir: workDir, composeFile: composeFile}
}

// Build rebuilds every image declared in the compose file.
func (c *ComposeCmd) Build(ctx context.Context) error {
	_, err := c.run(ctx, "build", "--pull")
	return err
}

// Restart recreates one service from its current image without touching
// its dependencies.
func (c *ComposeCmd) Restart(ctx context.Context, service string) error {
	_, err := c.run(ctx, "up", "-d", "--no-deps", service)
	return err
}

// PS returns the raw container listing for diagnostics.
func (c *ComposeCmd) PS(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "ps", "--all")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *ComposeCmd) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"compose", "-f", c.composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", full...)
	cmd.Dir = c.workDir
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("docker compose %s: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("docker compose %s: %w", args[0], err)
	}
	return string(out), nil
}
