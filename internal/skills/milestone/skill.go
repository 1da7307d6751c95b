// Package milestone celebrates user progress. It counts reports announced
// on the event bus, awards thresholds, and congratulates users on the next
// heartbeat they are around for. Promotions go through the strictest
// confirmation path.
package milestone

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castelmind/castellan/internal/autonomy"
	"github.com/castelmind/castellan/internal/events"
	"github.com/castelmind/castellan/internal/skill"
	"github.com/castelmind/castellan/internal/store"
)

// Name is the skill's registry name.
const Name = "milestone"

// Intents handled by the skill.
const (
	IntentGetProgress = "get_progress"
	IntentPromoteUser = "promote_user"
)

const (
	actionCongratulate = "congratulate"

	kindReports   = "reports"
	kindPromotion = "promotion"

	eventTimeout = 5 * time.Second
)

// reportThresholds are the report counts that earn a milestone.
var reportThresholds = []int{5, 25, 100}

// Store is the persistence the skill needs. *store.Store satisfies it; the
// package ships a memory implementation for storeless deployments.
type Store interface {
	IncrementReportCount(ctx context.Context, userID string) (int, error)
	ReportCount(ctx context.Context, userID string) (int, error)
	SaveMilestone(ctx context.Context, m store.Milestone) error
	MilestonesForUser(ctx context.Context, userID string) ([]store.Milestone, error)
}

// Skill tracks report milestones and promotions.
type Skill struct {
	skill.Base

	store  Store
	engine *autonomy.Engine
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time

	sub     *events.Subscription
	pending *pendingCongrats
}

// New builds the skill and declares promotion as always-ask.
func New(st Store, engine *autonomy.Engine, bus *events.Bus, logger *zap.Logger) *Skill {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine.Policy().Declare(IntentPromoteUser, skill.AlwaysAsk)

	return &Skill{
		Base: skill.NewBase(skill.Metadata{
			Name:        Name,
			Description: "Tracks report milestones and handles promotions.",
			Version:     "1.0.2",
			Permissions: skill.NewPermissionSet(skill.PermReadProfile, skill.PermSendMessages),
			Intents:     []string{IntentGetProgress, IntentPromoteUser},
		}),
		store:   st,
		engine:  engine,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		pending: newPendingCongrats(),
	}
}

// Initialize subscribes to report announcements.
func (s *Skill) Initialize(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("milestone store not configured")
	}
	if s.bus != nil {
		s.sub = s.bus.Subscribe(Name, s.onReportReady, "report.ready")
	}
	return nil
}

// Cleanup drops the bus subscription.
func (s *Skill) Cleanup(ctx context.Context) error {
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	return nil
}

// onReportReady counts one report and awards any threshold it crosses. The
// congratulation waits for a heartbeat the user is active in.
func (s *Skill) onReportReady(ev events.Event) {
	user, _ := ev.Payload["user_id"].(string)
	if user == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	count, err := s.store.IncrementReportCount(ctx, user)
	if err != nil {
		s.logger.Error("report count update failed",
			zap.String("user_id", user),
			zap.Error(err))
		return
	}

	for _, threshold := range reportThresholds {
		if count != threshold {
			continue
		}
		m := store.Milestone{
			ID:        uuid.NewString(),
			UserID:    user,
			Kind:      kindReports,
			Threshold: threshold,
			ReachedAt: s.now().UTC(),
		}
		if err := s.store.SaveMilestone(ctx, m); err != nil {
			s.logger.Error("milestone save failed",
				zap.String("user_id", user),
				zap.Int("threshold", threshold),
				zap.Error(err))
			return
		}
		s.pending.add(user, threshold)
		s.logger.Info("milestone reached",
			zap.String("user_id", user),
			zap.Int("threshold", threshold))
	}
}

// Handle routes the skill's intents.
func (s *Skill) Handle(ctx context.Context, req skill.Request) skill.Response {
	switch req.Intent {
	case IntentGetProgress:
		return s.handleGetProgress(ctx, req)
	case IntentPromoteUser:
		return s.handlePromote(ctx, req)
	default:
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUnknownIntent, "milestone does not handle %q", req.Intent)
	}
}

func (s *Skill) handleGetProgress(ctx context.Context, req skill.Request) skill.Response {
	count, err := s.store.ReportCount(ctx, req.UserID)
	if err != nil {
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUpstream, "could not read progress: %v", err)
	}
	ms, err := s.store.MilestonesForUser(ctx, req.UserID)
	if err != nil {
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUpstream, "could not read milestones: %v", err)
	}

	reached := make([]map[string]any, 0, len(ms))
	for _, m := range ms {
		entry := map[string]any{"kind": m.Kind, "reached_at": m.ReachedAt.Format(time.RFC3339)}
		if m.Kind == kindReports {
			entry["threshold"] = m.Threshold
		}
		if m.Note != "" {
			entry["note"] = m.Note
		}
		reached = append(reached, entry)
	}

	data := map[string]any{
		"report_count": count,
		"milestones":   reached,
	}
	if next, ok := nextThreshold(count); ok {
		data["next_milestone"] = next
	}
	return skill.SuccessResponse(req.CorrelationID,
		fmt.Sprintf("%d reports published", count), data)
}

func (s *Skill) handlePromote(ctx context.Context, req skill.Request) skill.Response {
	role, ok := req.ContextString("role")
	if !ok || role == "" {
		return skill.ErrorResponse(req.CorrelationID, skill.ErrInvalidArgument, "role is required")
	}
	target := req.UserID
	if u, ok := req.ContextString("user"); ok && u != "" {
		target = u
	}

	desc := fmt.Sprintf("Promote %s to %s", target, role)
	decision := s.engine.CheckAutonomy(req.UserID, IntentPromoteUser, desc, func(ctx context.Context) skill.Response {
		return s.promote(ctx, req, target, role)
	})
	if !decision.Proceed {
		return autonomy.ConfirmationResponse(req, decision.ActionID, desc)
	}
	return s.promote(ctx, req, target, role)
}

func (s *Skill) promote(ctx context.Context, req skill.Request, target, role string) skill.Response {
	m := store.Milestone{
		ID:        uuid.NewString(),
		UserID:    target,
		Kind:      kindPromotion,
		Note:      role,
		ReachedAt: s.now().UTC(),
	}
	if err := s.store.SaveMilestone(ctx, m); err != nil {
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUpstream, "could not record promotion: %v", err)
	}
	s.logger.Info("user promoted",
		zap.String("correlation_id", req.CorrelationID),
		zap.String("user_id", target),
		zap.String("role", role))
	return skill.SuccessResponse(req.CorrelationID,
		fmt.Sprintf("%s is now %s", target, role),
		map[string]any{"user": target, "role": role})
}

// OnHeartbeat congratulates active users on thresholds reached since their
// last visit.
func (s *Skill) OnHeartbeat(ctx context.Context, activeUsers []string) ([]skill.HeartbeatAction, error) {
	var actions []skill.HeartbeatAction
	for _, user := range activeUsers {
		thresholds := s.pending.take(user)
		if len(thresholds) == 0 {
			continue
		}
		actions = append(actions, skill.HeartbeatAction{
			SkillName:  Name,
			UserID:     user,
			ActionType: actionCongratulate,
			Data:       map[string]any{"thresholds": thresholds},
			Priority:   2,
		})
	}
	return actions, nil
}

// SystemPromptFragment surfaces the user's standing to the model.
func (s *Skill) SystemPromptFragment(userID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	count, err := s.store.ReportCount(ctx, userID)
	if err != nil || count == 0 {
		return ""
	}
	return fmt.Sprintf("%s has published %d insight reports.", userID, count)
}

func nextThreshold(count int) (int, bool) {
	for _, t := range reportThresholds {
		if count < t {
			return t, true
		}
	}
	return 0, false
}

var _ skill.Skill = (*Skill)(nil)
