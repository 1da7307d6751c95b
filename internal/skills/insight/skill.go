// Package insight keeps the team's knowledge reports: short write-ups that
// get stored in the vector collection, surfaced by semantic search, and
// summarized by the model broker on demand. Every ingested report is
// announced on the event bus so other skills can react.
package insight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castelmind/castellan/internal/broker"
	"github.com/castelmind/castellan/internal/events"
	"github.com/castelmind/castellan/internal/skill"
	"github.com/castelmind/castellan/internal/vector"
)

// Name is the skill's registry name.
const Name = "insight"

// Intents handled by the skill.
const (
	IntentIngestReport = "ingest_report"
	IntentGetReport    = "get_report"
	IntentFindReports  = "find_reports"
	IntentDeleteReport = "delete_report"
	IntentAskInsight   = "ask_insight"
)

// EventReportReady announces a freshly ingested report.
const EventReportReady = "report.ready"

const (
	actionReportDigest = "report_digest"

	embeddingDim = 384
	searchLimit  = 5
	minScore     = 0.35
	listLimit    = 20
)

// VectorStore is the slice of the vector client the skill uses.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, vectorSize int) error
	StorePoint(ctx context.Context, collection, id string, payload map[string]any, vec []float32) error
	Search(ctx context.Context, collection, query string, filter map[string]any, limit int, scoreThreshold float64) ([]vector.Point, error)
	GetByID(ctx context.Context, collection, id string) (*vector.Point, error)
	FilterByField(ctx context.Context, collection, field string, value any, limit int) ([]vector.Point, error)
	DeleteByID(ctx context.Context, collection, id string) error
}

// Config holds the skill's collection settings.
type Config struct {
	// Collection is the vector collection reports live in.
	Collection string
}

// Skill is the insight-report keeper.
type Skill struct {
	skill.Base

	vec    VectorStore
	brk    broker.Broker
	bus    *events.Bus
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	sinceTick map[string]int
}

// New builds the skill.
func New(vec VectorStore, brk broker.Broker, bus *events.Bus, cfg Config, logger *zap.Logger) *Skill {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "insights"
	}
	return &Skill{
		Base: skill.NewBase(skill.Metadata{
			Name:        Name,
			Description: "Stores insight reports and answers questions over them.",
			Version:     "1.4.0",
			Permissions: skill.NewPermissionSet(
				skill.PermReadOwnCollection,
				skill.PermWriteOwnCollection,
				skill.PermSendMessages,
			),
			Collections: []string{cfg.Collection},
			Intents: []string{
				IntentIngestReport, IntentGetReport, IntentFindReports,
				IntentDeleteReport, IntentAskInsight,
			},
		}),
		vec:       vec,
		brk:       brk,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		sinceTick: make(map[string]int),
	}
}

// Initialize ensures the report collection exists. An unreachable vector
// store leaves the skill in ERROR until the next reinitialize.
func (s *Skill) Initialize(ctx context.Context) error {
	if s.vec == nil {
		return fmt.Errorf("vector store not configured")
	}
	if err := s.vec.EnsureCollection(ctx, s.cfg.Collection, embeddingDim); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	s.logger.Info("insight ready", zap.String("collection", s.cfg.Collection))
	return nil
}

// Handle routes the skill's intents.
func (s *Skill) Handle(ctx context.Context, req skill.Request) skill.Response {
	switch req.Intent {
	case IntentIngestReport:
		return s.handleIngest(ctx, req)
	case IntentGetReport:
		return s.handleGet(ctx, req)
	case IntentFindReports:
		return s.handleFind(ctx, req)
	case IntentDeleteReport:
		return s.handleDelete(ctx, req)
	case IntentAskInsight:
		return s.handleAsk(ctx, req)
	default:
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUnknownIntent, "insight does not handle %q", req.Intent)
	}
}

func (s *Skill) handleIngest(ctx context.Context, req skill.Request) skill.Response {
	title, ok := req.ContextString("title")
	if !ok || title == "" {
		return skill.ErrorResponse(req.CorrelationID, skill.ErrInvalidArgument, "title is required")
	}
	summary, ok := req.ContextString("summary")
	if !ok || summary == "" {
		return skill.ErrorResponse(req.CorrelationID, skill.ErrInvalidArgument, "summary is required")
	}

	id := uuid.NewString()
	payload := map[string]any{
		"user_id":    req.UserID,
		"title":      title,
		"summary":    summary,
		"created_at": s.now().UTC().Format(time.RFC3339),
	}
	if tags, ok := req.Context["tags"]; ok {
		payload["tags"] = tags
	}

	if err := s.vec.StorePoint(ctx, s.cfg.Collection, id, payload, nil); err != nil {
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUpstream, "could not store report: %v", err)
	}

	s.mu.Lock()
	s.sinceTick[req.UserID]++
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(EventReportReady, Name, map[string]any{
			"report_id": id,
			"user_id":   req.UserID,
			"title":     title,
		})
	}
	s.logger.Info("report ingested",
		zap.String("correlation_id", req.CorrelationID),
		zap.String("report_id", id))

	return skill.SuccessResponse(req.CorrelationID, "Report stored", map[string]any{"report_id": id})
}

func (s *Skill) handleGet(ctx context.Context, req skill.Request) skill.Response {
	id, ok := req.ContextString("report_id")
	if !ok || id == "" {
		return skill.ErrorResponse(req.CorrelationID, skill.ErrInvalidArgument, "report_id is required")
	}

	point, err := s.vec.GetByID(ctx, s.cfg.Collection, id)
	if err != nil {
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUpstream, "could not read report: %v", err)
	}
	// A report owned by someone else looks exactly like a missing one.
	if point == nil || point.Payload["user_id"] != req.UserID {
		return skill.ErrorResponse(req.CorrelationID, skill.ErrNotFound, "report not found")
	}

	return skill.SuccessResponse(req.CorrelationID, "", map[string]any{
		"report_id": point.ID,
		"report":    point.Payload,
	})
}

func (s *Skill) handleFind(ctx context.Context, req skill.Request) skill.Response {
	points, err := s.vec.FilterByField(ctx, s.cfg.Collection, "user_id", req.UserID, listLimit)
	if err != nil {
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUpstream, "could not list reports: %v", err)
	}

	reports := make([]map[string]any, 0, len(points))
	for _, p := range points {
		reports = append(reports, map[string]any{
			"report_id":  p.ID,
			"title":      p.Payload["title"],
			"created_at": p.Payload["created_at"],
		})
	}
	return skill.SuccessResponse(req.CorrelationID,
		fmt.Sprintf("%d reports", len(reports)),
		map[string]any{"reports": reports, "count": len(reports)})
}

func (s *Skill) handleDelete(ctx context.Context, req skill.Request) skill.Response {
	id, ok := req.ContextString("report_id")
	if !ok || id == "" {
		return skill.ErrorResponse(req.CorrelationID, skill.ErrInvalidArgument, "report_id is required")
	}

	point, err := s.vec.GetByID(ctx, s.cfg.Collection, id)
	if err != nil {
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUpstream, "could not read report: %v", err)
	}
	if point == nil || point.Payload["user_id"] != req.UserID {
		return skill.ErrorResponse(req.CorrelationID, skill.ErrNotFound, "report not found")
	}

	if err := s.vec.DeleteByID(ctx, s.cfg.Collection, id); err != nil {
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUpstream, "could not delete report: %v", err)
	}
	return skill.SuccessResponse(req.CorrelationID, "Report deleted", map[string]any{"report_id": id})
}

func (s *Skill) handleAsk(ctx context.Context, req skill.Request) skill.Response {
	question := req.Message
	if q, ok := req.ContextString("question"); ok && q != "" {
		question = q
	}
	if question == "" {
		return skill.ErrorResponse(req.CorrelationID, skill.ErrInvalidArgument, "question is required")
	}

	points, err := s.vec.Search(ctx, s.cfg.Collection, question,
		map[string]any{"user_id": req.UserID}, searchLimit, minScore)
	if err != nil {
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUpstream, "search failed: %v", err)
	}
	if len(points) == 0 {
		return skill.SuccessResponse(req.CorrelationID,
			"No stored reports are relevant to that question.",
			map[string]any{"sources": []string{}})
	}

	answer, err := s.brk.Infer(ctx, "insight_answer", answerPrompt(question, points), 512, 0.3)
	if err != nil {
		if errors.Is(err, broker.ErrUnavailable) {
			return skill.ErrorResponse(req.CorrelationID, skill.ErrUpstream, "the model broker is unavailable right now")
		}
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUpstream, "inference failed: %v", err)
	}

	sources := make([]string, 0, len(points))
	for _, p := range points {
		sources = append(sources, p.ID)
	}
	return skill.SuccessResponse(req.CorrelationID, answer, map[string]any{"sources": sources})
}

func answerPrompt(question string, points []vector.Point) string {
	var b strings.Builder
	b.WriteString("Answer the question using only these report excerpts. Cite nothing else.\n\n")
	for i, p := range points {
		fmt.Fprintf(&b, "[%d] %v: %v\n", i+1, p.Payload["title"], p.Payload["summary"])
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", question)
	return b.String()
}

// OnHeartbeat tells active users how many reports landed since their last
// digest. Counters for inactive users keep accruing until they show up.
func (s *Skill) OnHeartbeat(ctx context.Context, activeUsers []string) ([]skill.HeartbeatAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var actions []skill.HeartbeatAction
	for _, user := range activeUsers {
		n := s.sinceTick[user]
		if n == 0 {
			continue
		}
		delete(s.sinceTick, user)
		actions = append(actions, skill.HeartbeatAction{
			SkillName:  Name,
			UserID:     user,
			ActionType: actionReportDigest,
			Data:       map[string]any{"new_reports": n},
			Priority:   3,
		})
	}
	return actions, nil
}

// SystemPromptFragment describes the skill's abilities to the model.
func (s *Skill) SystemPromptFragment(string) string {
	return "You keep insight reports for the team. You can store reports (ingest_report), retrieve them (get_report, find_reports), delete them (delete_report), and answer questions over them (ask_insight)."
}

var _ skill.Skill = (*Skill)(nil)
