package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/matchu/chat-backend/internal/metrics"
	"github.com/matchu/chat-backend/internal/store"
)

// Store is the slice of the storage layer the orchestrator needs.
type Store interface {
	GetMessage(ctx context.Context, messageID string) (*store.Message, error)
	WriteDecision(ctx context.Context, messageID string, d store.Decision) (bool, error)
	CommitViolation(ctx context.Context, v store.Violation, penalty func(int) int) (store.ViolationOutcome, error)
}

// EventGuard drops duplicate trigger deliveries before any database work.
type EventGuard interface {
	FirstDelivery(ctx context.Context, eventID string) bool
}

// DecisionPublisher fans out terminal decisions to interested services.
type DecisionPublisher interface {
	PublishModerationDecision(roomID string, data []byte) error
}

// Orchestrator sequences the moderation pipeline for one message-created
// event: normalize, rule check, remote check, decide, commit. It enforces
// idempotency against at-least-once delivery and guarantees a message never
// stays pending after handling, whatever fails.
type Orchestrator struct {
	cfg        Config
	rules      *Rules
	classifier Classifier
	store      Store
	guard      EventGuard        // optional
	publisher  DecisionPublisher // optional
}

// NewOrchestrator builds a pipeline from an immutable configuration, the
// backing store, and a classifier client.
func NewOrchestrator(cfg Config, st Store, classifier Classifier) *Orchestrator {
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = DefaultScoreThreshold
	}
	if cfg.ClassifierTimeout <= 0 {
		cfg.ClassifierTimeout = DefaultClassifierTimeout
	}
	return &Orchestrator{
		cfg:        cfg,
		rules:      NewRules(cfg.Rules),
		classifier: classifier,
		store:      st,
	}
}

// SetEventGuard installs an optional duplicate-delivery guard.
func (o *Orchestrator) SetEventGuard(g EventGuard) { o.guard = g }

// SetDecisionPublisher installs an optional decision fan-out publisher.
func (o *Orchestrator) SetDecisionPublisher(p DecisionPublisher) { o.publisher = p }

// HandleMessageCreated runs the pipeline for one trigger event. It never
// returns an error and never panics outward: any failure inside the pipeline
// falls through to the outer guard, which force-approves the message if it
// is still pending. Raising here would cause broker redelivery, and
// redelivery could duplicate side effects.
func (o *Orchestrator) HandleMessageCreated(ctx context.Context, ev MessageCreatedEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[moderator] panic room=%s message=%s: %v", ev.RoomID, ev.MessageID, r)
			o.failOpen(ctx, ev)
		}
	}()

	if err := o.process(ctx, ev); err != nil {
		log.Printf("[moderator] pipeline error room=%s message=%s: %v", ev.RoomID, ev.MessageID, err)
		o.failOpen(ctx, ev)
	}
}

// process is the pipeline state machine. Skips return nil; only unexpected
// failures return errors (handled by the outer guard).
func (o *Orchestrator) process(ctx context.Context, ev MessageCreatedEvent) error {
	if o.guard != nil && ev.EventID != "" && !o.guard.FirstDelivery(ctx, ev.EventID) {
		metrics.DedupSkips.Inc()
		return nil
	}

	msg, err := o.store.GetMessage(ctx, ev.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil // deleted before we got to it
	}

	// Non-target: system/event messages and senderless rows are not
	// moderated chat content.
	if msg.Type == store.TypeSystem || msg.Code != "" || msg.SenderID == "" {
		metrics.MessagesModerated.WithLabelValues("skipped").Inc()
		return nil
	}

	// Idempotency guard: a redelivered event for an already-decided
	// message is a no-op.
	if msg.Status != store.StatusPending {
		metrics.MessagesModerated.WithLabelValues("skipped").Inc()
		return nil
	}

	normalized := NormalizeText(msg.Text)
	if normalized == "" {
		return o.approve(ctx, ev, nil, "", false)
	}

	if v := o.rules.Check(normalized); v.Hit {
		return o.blockByRule(ctx, ev, v)
	}

	cctx, cancel := context.WithTimeout(ctx, o.cfg.ClassifierTimeout)
	defer cancel()

	start := time.Now()
	verdict, err := o.classifier.Classify(cctx, normalized)
	metrics.ClassifierDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// Transient classifier failure: fail open in place rather than
		// through the outer guard, so the log carries the cause once.
		metrics.ClassifierFailures.Inc()
		log.Printf("[moderator] classifier failed, approving room=%s message=%s: %v",
			ev.RoomID, ev.MessageID, err)
		return o.approve(ctx, ev, nil, "", false)
	}

	// Below the confidence threshold the label is irrelevant: the score
	// gate dominates and the message is treated as safe.
	if verdict.Label == LabelNormal || verdict.Score < o.cfg.ScoreThreshold {
		score := verdict.Score
		return o.approve(ctx, ev, &score, "", false)
	}

	// Scam carve-out: visible warning flag, no punitive consequence.
	if verdict.Label == LabelScam {
		score := verdict.Score
		return o.approve(ctx, ev, &score, string(LabelScam), true)
	}

	return o.blockByAI(ctx, ev, msg.SenderID, verdict)
}

func (o *Orchestrator) approve(ctx context.Context, ev MessageCreatedEvent, score *float64, reason string, warning bool) error {
	d := store.Decision{
		Status:  store.StatusApproved,
		Reason:  reason,
		Warning: warning,
		AIScore: score,
	}
	applied, err := o.store.WriteDecision(ctx, ev.MessageID, d)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	if !applied {
		return nil // decided concurrently
	}

	outcome := "approved"
	if warning {
		outcome = "approved_warned"
	}
	metrics.MessagesModerated.WithLabelValues(outcome).Inc()
	o.publishDecision(ev, d)
	return nil
}

func (o *Orchestrator) blockByRule(ctx context.Context, ev MessageCreatedEvent, v RuleVerdict) error {
	// Rule detections are a high-confidence, zero-latency circuit breaker:
	// the decision is written directly and no reputation transaction runs.
	d := store.Decision{
		Status:    store.StatusBlocked,
		BlockedBy: store.BlockedByRule,
		Reason:    string(v.Reason),
		Warning:   true,
	}
	applied, err := o.store.WriteDecision(ctx, ev.MessageID, d)
	if err != nil {
		return fmt.Errorf("rule block: %w", err)
	}
	if !applied {
		return nil
	}

	log.Printf("[moderator] BLOCKED by rule room=%s message=%s reason=%s term=%q",
		ev.RoomID, ev.MessageID, v.Reason, v.Term)
	metrics.MessagesModerated.WithLabelValues("blocked_rule").Inc()
	o.publishDecision(ev, d)
	return nil
}

func (o *Orchestrator) blockByAI(ctx context.Context, ev MessageCreatedEvent, senderID string, verdict Verdict) error {
	outcome, err := o.store.CommitViolation(ctx, store.Violation{
		RoomID:    ev.RoomID,
		MessageID: ev.MessageID,
		SenderID:  senderID,
		Reason:    string(verdict.Label),
		Score:     verdict.Score,
	}, Penalty)
	if err != nil {
		return fmt.Errorf("violation commit: %w", err)
	}
	if !outcome.Committed {
		return nil // decided or deleted concurrently, no side effects
	}

	log.Printf("[moderator] BLOCKED by ai room=%s message=%s sender=%s reason=%s score=%.2f violations=%d penalty=%d reputation=%d",
		ev.RoomID, ev.MessageID, senderID, verdict.Label, verdict.Score,
		outcome.ViolationCount, outcome.Penalty, outcome.Reputation)
	metrics.MessagesModerated.WithLabelValues("blocked_ai").Inc()

	score := verdict.Score
	o.publishDecision(ev, store.Decision{
		Status:    store.StatusBlocked,
		BlockedBy: store.BlockedByAI,
		Reason:    string(verdict.Label),
		Warning:   true,
		AIScore:   &score,
	})
	return nil
}

// failOpen is the outer guard: it re-reads the message and, if still
// pending, force-approves it so a malfunction can never strand a message.
// It logs and swallows every error; there is nothing better to do here.
func (o *Orchestrator) failOpen(ctx context.Context, ev MessageCreatedEvent) {
	msg, err := o.store.GetMessage(ctx, ev.MessageID)
	if err != nil {
		log.Printf("[moderator] fail-open reread room=%s message=%s: %v", ev.RoomID, ev.MessageID, err)
		return
	}
	if msg == nil || msg.Status != store.StatusPending {
		return
	}

	d := store.Decision{Status: store.StatusApproved}
	applied, err := o.store.WriteDecision(ctx, ev.MessageID, d)
	if err != nil {
		log.Printf("[moderator] fail-open approve room=%s message=%s: %v", ev.RoomID, ev.MessageID, err)
		return
	}
	if applied {
		metrics.MessagesModerated.WithLabelValues("failed_open").Inc()
		o.publishDecision(ev, d)
	}
}

// publishDecision fans out a terminal decision. Best-effort: the decision is
// already durable, so a publish failure is only logged.
func (o *Orchestrator) publishDecision(ev MessageCreatedEvent, d store.Decision) {
	if o.publisher == nil {
		return
	}

	data, err := json.Marshal(DecisionEvent{
		RoomID:    ev.RoomID,
		MessageID: ev.MessageID,
		Status:    d.Status,
		BlockedBy: d.BlockedBy,
		Reason:    d.Reason,
		Warning:   d.Warning,
		AIScore:   d.AIScore,
	})
	if err != nil {
		log.Printf("[moderator] marshal decision room=%s message=%s: %v", ev.RoomID, ev.MessageID, err)
		return
	}
	if err := o.publisher.PublishModerationDecision(ev.RoomID, data); err != nil {
		log.Printf("[moderator] publish decision room=%s message=%s: %v", ev.RoomID, ev.MessageID, err)
	}
}
