// Package repowatch manages one GitHub repository on behalf of the team:
// filing issues, merging pull requests, and nudging authors about stale
// reviews during heartbeats. Issue creation asks for confirmation; merging
// always does.
package repowatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/castelmind/castellan/internal/autonomy"
	"github.com/castelmind/castellan/internal/events"
	"github.com/castelmind/castellan/internal/skill"
)

// Name is the skill's registry name.
const Name = "repowatch"

// Intents handled by the skill.
const (
	IntentCreateIssue = "create_issue"
	IntentMergePR     = "merge_pr"
	IntentListPRs     = "list_pull_requests"
)

// Event kinds the skill publishes.
const (
	EventIssueCreated = "issue.created"
	EventPRMerged     = "pr.merged"
)

const actionStalePR = "stale_pr"

// Config holds the skill's repository settings.
type Config struct {
	// Repo is the watched repository as "owner/name".
	Repo string

	// StaleAfter is how long without activity marks a pull request stale.
	StaleAfter time.Duration
}

// Skill is the repository watcher.
type Skill struct {
	skill.Base

	api    API
	engine *autonomy.Engine
	bus    *events.Bus
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New builds the skill and declares its autonomy defaults: issue creation
// asks once, merging always asks.
func New(api API, engine *autonomy.Engine, bus *events.Bus, cfg Config, logger *zap.Logger) *Skill {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 14 * 24 * time.Hour
	}

	engine.Policy().Declare(IntentCreateIssue, skill.Ask)
	engine.Policy().Declare(IntentMergePR, skill.AlwaysAsk)

	return &Skill{
		Base: skill.NewBase(skill.Metadata{
			Name:        Name,
			Description: "Watches a GitHub repository: issues, merges, stale pull requests.",
			Version:     "1.1.0",
			Permissions: skill.NewPermissionSet(skill.PermSendMessages),
			Intents:     []string{IntentCreateIssue, IntentMergePR, IntentListPRs},
		}),
		api:    api,
		engine: engine,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Initialize verifies the skill has a working GitHub client.
func (s *Skill) Initialize(ctx context.Context) error {
	if s.api == nil {
		return fmt.Errorf("github client not configured")
	}
	if s.cfg.Repo == "" {
		return fmt.Errorf("repository not configured")
	}
	s.logger.Info("repowatch ready",
		zap.String("repo", s.cfg.Repo),
		zap.Duration("stale_after", s.cfg.StaleAfter))
	return nil
}

// Handle routes the skill's intents.
func (s *Skill) Handle(ctx context.Context, req skill.Request) skill.Response {
	switch req.Intent {
	case IntentCreateIssue:
		return s.handleCreateIssue(ctx, req)
	case IntentMergePR:
		return s.handleMergePR(ctx, req)
	case IntentListPRs:
		return s.handleListPRs(ctx, req)
	default:
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUnknownIntent, "repowatch does not handle %q", req.Intent)
	}
}

func (s *Skill) handleCreateIssue(ctx context.Context, req skill.Request) skill.Response {
	title, ok := req.ContextString("title")
	if !ok || title == "" {
		return skill.ErrorResponse(req.CorrelationID, skill.ErrInvalidArgument, "title is required")
	}
	body, _ := req.ContextString("body")

	desc := fmt.Sprintf("Create issue %q in %s", title, s.cfg.Repo)
	decision := s.engine.CheckAutonomy(req.UserID, IntentCreateIssue, desc, func(ctx context.Context) skill.Response {
		return s.createIssue(ctx, req, title, body)
	})
	if !decision.Proceed {
		return autonomy.ConfirmationResponse(req, decision.ActionID, desc)
	}
	return s.createIssue(ctx, req, title, body)
}

func (s *Skill) createIssue(ctx context.Context, req skill.Request, title, body string) skill.Response {
	issue, err := s.api.CreateIssue(ctx, title, body)
	if err != nil {
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUpstream, "GitHub rejected the issue: %v", err)
	}

	s.emit(EventIssueCreated, map[string]any{
		"repo":    s.cfg.Repo,
		"number":  issue.GetNumber(),
		"url":     issue.GetHTMLURL(),
		"user_id": req.UserID,
	})
	s.logger.Info("issue created",
		zap.String("correlation_id", req.CorrelationID),
		zap.String("repo", s.cfg.Repo),
		zap.Int("number", issue.GetNumber()))

	return skill.SuccessResponse(req.CorrelationID,
		fmt.Sprintf("Created issue #%d in %s", issue.GetNumber(), s.cfg.Repo),
		map[string]any{"number": issue.GetNumber(), "url": issue.GetHTMLURL()})
}

func (s *Skill) handleMergePR(ctx context.Context, req skill.Request) skill.Response {
	number, ok := contextInt(req, "number")
	if !ok || number <= 0 {
		return skill.ErrorResponse(req.CorrelationID, skill.ErrInvalidArgument, "number is required")
	}
	message, _ := req.ContextString("message")

	desc := fmt.Sprintf("Merge pull request #%d in %s", number, s.cfg.Repo)
	decision := s.engine.CheckAutonomy(req.UserID, IntentMergePR, desc, func(ctx context.Context) skill.Response {
		return s.mergePR(ctx, req, number, message)
	})
	if !decision.Proceed {
		return autonomy.ConfirmationResponse(req, decision.ActionID, desc)
	}
	return s.mergePR(ctx, req, number, message)
}

func (s *Skill) mergePR(ctx context.Context, req skill.Request, number int, message string) skill.Response {
	res, err := s.api.MergePullRequest(ctx, number, message)
	if err != nil {
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUpstream, "GitHub rejected the merge: %v", err)
	}
	if !res.GetMerged() {
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUpstream, "pull request #%d not merged: %s", number, res.GetMessage())
	}

	s.emit(EventPRMerged, map[string]any{
		"repo":    s.cfg.Repo,
		"number":  number,
		"user_id": req.UserID,
	})
	s.logger.Info("pull request merged",
		zap.String("correlation_id", req.CorrelationID),
		zap.String("repo", s.cfg.Repo),
		zap.Int("number", number))

	return skill.SuccessResponse(req.CorrelationID,
		fmt.Sprintf("Merged pull request #%d in %s", number, s.cfg.Repo),
		map[string]any{"number": number, "sha": res.GetSHA()})
}

func (s *Skill) handleListPRs(ctx context.Context, req skill.Request) skill.Response {
	prs, err := s.api.ListOpenPullRequests(ctx)
	if err != nil {
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUpstream, "could not list pull requests: %v", err)
	}

	list := make([]map[string]any, 0, len(prs))
	for _, pr := range prs {
		list = append(list, map[string]any{
			"number":     pr.GetNumber(),
			"title":      pr.GetTitle(),
			"author":     pr.GetUser().GetLogin(),
			"url":        pr.GetHTMLURL(),
			"draft":      pr.GetDraft(),
			"updated_at": pr.GetUpdatedAt().Format(time.RFC3339),
		})
	}
	return skill.SuccessResponse(req.CorrelationID,
		fmt.Sprintf("%d open pull requests in %s", len(list), s.cfg.Repo),
		map[string]any{"pull_requests": list, "count": len(list)})
}

// OnHeartbeat nudges authors whose non-draft pull requests have gone quiet.
// Only authors in activeUsers are nudged; the rest would never see the
// message anyway.
func (s *Skill) OnHeartbeat(ctx context.Context, activeUsers []string) ([]skill.HeartbeatAction, error) {
	if len(activeUsers) == 0 {
		return nil, nil
	}
	active := make(map[string]bool, len(activeUsers))
	for _, u := range activeUsers {
		active[u] = true
	}

	prs, err := s.api.ListOpenPullRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("stale scan: %w", err)
	}

	cutoff := s.now().Add(-s.cfg.StaleAfter)
	var actions []skill.HeartbeatAction
	for _, pr := range prs {
		author := pr.GetUser().GetLogin()
		if pr.GetDraft() || !active[author] {
			continue
		}
		updated := pr.GetUpdatedAt().Time
		if !updated.Before(cutoff) {
			continue
		}
		actions = append(actions, skill.HeartbeatAction{
			SkillName:  Name,
			UserID:     author,
			ActionType: actionStalePR,
			Data: map[string]any{
				"repo":      s.cfg.Repo,
				"number":    pr.GetNumber(),
				"title":     pr.GetTitle(),
				"url":       pr.GetHTMLURL(),
				"idle_days": int(s.now().Sub(updated).Hours() / 24),
			},
			Priority: 5,
		})
	}
	return actions, nil
}

// SystemPromptFragment describes the skill's abilities to the model.
func (s *Skill) SystemPromptFragment(string) string {
	return fmt.Sprintf("You watch the GitHub repository %s. You can create issues (create_issue), merge pull requests (merge_pr), and list open pull requests (list_pull_requests).", s.cfg.Repo)
}

func (s *Skill) emit(kind string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(kind, Name, payload)
}

func contextInt(req skill.Request, key string) (int, bool) {
	switch v := req.Context[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

var _ skill.Skill = (*Skill)(nil)
