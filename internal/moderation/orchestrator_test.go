package moderation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matchu/chat-backend/internal/store"
)

// fakeStore is an in-memory Store standing in for Postgres. It mirrors the
// real store's idempotency semantics: decision writes only apply to pending
// messages, and violation commits re-check status before side effects.
type fakeStore struct {
	mu          sync.Mutex
	msgs        map[string]*store.Message
	counts      map[string]int
	reputations map[string]int

	decisionWrites  int
	violationCommits int
}

func newFakeStore(msgs ...*store.Message) *fakeStore {
	f := &fakeStore{
		msgs:        make(map[string]*store.Message),
		counts:      make(map[string]int),
		reputations: make(map[string]int),
	}
	for _, m := range msgs {
		f.msgs[m.ID] = m
	}
	return f
}

func (f *fakeStore) GetMessage(_ context.Context, messageID string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[messageID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) WriteDecision(_ context.Context, messageID string, d store.Decision) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[messageID]
	if !ok || m.Status != store.StatusPending {
		return false, nil
	}
	m.Status = d.Status
	m.BlockedBy = d.BlockedBy
	m.Reason = d.Reason
	m.Warning = d.Warning
	m.AIScore = d.AIScore
	f.decisionWrites++
	return true, nil
}

func (f *fakeStore) CommitViolation(_ context.Context, v store.Violation, penalty func(int) int) (store.ViolationOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[v.MessageID]
	if !ok || m.Status != store.StatusPending {
		return store.ViolationOutcome{}, nil
	}

	f.counts[v.SenderID]++
	count := f.counts[v.SenderID]

	rep, ok := f.reputations[v.SenderID]
	if !ok {
		rep = store.DefaultReputation
	}
	points := penalty(count)
	rep -= points
	if rep < 0 {
		rep = 0
	}
	f.reputations[v.SenderID] = rep

	score := v.Score
	m.Status = store.StatusBlocked
	m.BlockedBy = store.BlockedByAI
	m.Reason = v.Reason
	m.Warning = true
	m.AIScore = &score
	f.violationCommits++

	return store.ViolationOutcome{
		Committed:      true,
		ViolationCount: count,
		Penalty:        points,
		Reputation:     rep,
	}, nil
}

// classifierFunc adapts a function to the Classifier interface.
type classifierFunc func(ctx context.Context, text string) (Verdict, error)

func (f classifierFunc) Classify(ctx context.Context, text string) (Verdict, error) {
	return f(ctx, text)
}

func fixedVerdict(label Label, score float64) Classifier {
	return classifierFunc(func(context.Context, string) (Verdict, error) {
		return Verdict{Label: label, Score: score}, nil
	})
}

func failingClassifier(err error) Classifier {
	return classifierFunc(func(context.Context, string) (Verdict, error) {
		return Verdict{}, err
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Rules = RuleConfig{
		Sexual:       []string{"sex"},
		HateOrThreat: []string{"giết mày"},
		Grooming:     []string{"giữ bí mật nhé"},
		LinkPattern:  linkPattern,
		PhonePattern: phonePattern,
	}
	return cfg
}

func pendingMessage(id, sender, text string) *store.Message {
	return &store.Message{
		ID:       id,
		RoomID:   "room1",
		SenderID: sender,
		Type:     store.TypeText,
		Text:     text,
		Status:   store.StatusPending,
	}
}

func event(messageID string) MessageCreatedEvent {
	return MessageCreatedEvent{RoomID: "room1", MessageID: messageID}
}

func TestOrchestrator_RuleBlock(t *testing.T) {
	fs := newFakeStore(pendingMessage("m1", "alice", "nhắn tin free sex nha"))
	o := NewOrchestrator(testConfig(), fs, failingClassifier(errors.New("must not be called")))

	o.HandleMessageCreated(context.Background(), event("m1"))

	m := fs.msgs["m1"]
	if m.Status != store.StatusBlocked || m.BlockedBy != store.BlockedByRule {
		t.Fatalf("message = {status:%s blocked_by:%s}, want blocked by rule", m.Status, m.BlockedBy)
	}
	if m.Reason != string(LabelSexual) {
		t.Errorf("reason = %q, want %q", m.Reason, LabelSexual)
	}
	if !m.Warning {
		t.Error("warning flag not set")
	}
	if m.AIScore != nil {
		t.Errorf("ai score = %v, want nil", *m.AIScore)
	}
	// Rule detection is non-punitive: no violation count, no reputation change.
	if fs.violationCommits != 0 {
		t.Errorf("violation commits = %d, want 0", fs.violationCommits)
	}
	if fs.counts["alice"] != 0 {
		t.Errorf("violation count = %d, want 0", fs.counts["alice"])
	}
}

func TestOrchestrator_RuleBlock_LinkScam(t *testing.T) {
	fs := newFakeStore(pendingMessage("m1", "alice", "liên hệ mình qua www.example.com"))
	o := NewOrchestrator(testConfig(), fs, failingClassifier(errors.New("must not be called")))

	o.HandleMessageCreated(context.Background(), event("m1"))

	m := fs.msgs["m1"]
	if m.Status != store.StatusBlocked || m.BlockedBy != store.BlockedByRule || m.Reason != string(LabelScam) {
		t.Errorf("message = {status:%s blocked_by:%s reason:%s}, want rule scam block",
			m.Status, m.BlockedBy, m.Reason)
	}
	if !m.Warning {
		t.Error("warning flag not set")
	}
}

func TestOrchestrator_ApproveNormal(t *testing.T) {
	fs := newFakeStore(pendingMessage("m1", "alice", "chào bạn, hôm nay bạn thế nào?"))
	o := NewOrchestrator(testConfig(), fs, fixedVerdict(LabelNormal, 0.95))

	o.HandleMessageCreated(context.Background(), event("m1"))

	m := fs.msgs["m1"]
	if m.Status != store.StatusApproved {
		t.Fatalf("status = %s, want approved", m.Status)
	}
	if m.AIScore == nil || *m.AIScore != 0.95 {
		t.Errorf("ai score = %v, want 0.95", m.AIScore)
	}
	if m.Warning || m.Reason != "" {
		t.Errorf("unexpected warning/reason: %v %q", m.Warning, m.Reason)
	}
}

// Below the confidence threshold the score gate dominates: even a harmful
// label is treated as safe.
func TestOrchestrator_ThresholdDominance(t *testing.T) {
	fs := newFakeStore(pendingMessage("m1", "alice", "một tin nhắn nào đó"))
	o := NewOrchestrator(testConfig(), fs, fixedVerdict(LabelHateOrThreat, 0.79))

	o.HandleMessageCreated(context.Background(), event("m1"))

	m := fs.msgs["m1"]
	if m.Status != store.StatusApproved {
		t.Fatalf("status = %s, want approved", m.Status)
	}
	if m.AIScore == nil || *m.AIScore != 0.79 {
		t.Errorf("ai score = %v, want 0.79", m.AIScore)
	}
	if fs.violationCommits != 0 {
		t.Errorf("violation commits = %d, want 0", fs.violationCommits)
	}
}

// Scam verdicts are a visible flag with no punitive consequence.
func TestOrchestrator_ScamCarveOut(t *testing.T) {
	fs := newFakeStore(pendingMessage("m1", "alice", "đầu tư sinh lời cao"))
	o := NewOrchestrator(testConfig(), fs, fixedVerdict(LabelScam, 0.95))

	o.HandleMessageCreated(context.Background(), event("m1"))

	m := fs.msgs["m1"]
	if m.Status != store.StatusApproved {
		t.Fatalf("status = %s, want approved", m.Status)
	}
	if !m.Warning || m.Reason != string(LabelScam) {
		t.Errorf("message = {warning:%v reason:%q}, want scam warning", m.Warning, m.Reason)
	}
	if fs.violationCommits != 0 || fs.counts["alice"] != 0 {
		t.Error("scam verdict must not touch violation aggregates")
	}
}

func TestOrchestrator_AIBlockCommitsViolation(t *testing.T) {
	fs := newFakeStore(pendingMessage("m1", "alice", "một tin nhắn xúc phạm"))
	fs.counts["alice"] = 1 // prior violation
	o := NewOrchestrator(testConfig(), fs, fixedVerdict(LabelHateOrThreat, 0.9))

	o.HandleMessageCreated(context.Background(), event("m1"))

	m := fs.msgs["m1"]
	if m.Status != store.StatusBlocked || m.BlockedBy != store.BlockedByAI {
		t.Fatalf("message = {status:%s blocked_by:%s}, want blocked by ai", m.Status, m.BlockedBy)
	}
	if m.Reason != string(LabelHateOrThreat) {
		t.Errorf("reason = %q, want hate_or_threat", m.Reason)
	}
	if m.AIScore == nil || *m.AIScore != 0.9 {
		t.Errorf("ai score = %v, want 0.9", m.AIScore)
	}
	if fs.counts["alice"] != 2 {
		t.Errorf("violation count = %d, want 2", fs.counts["alice"])
	}
	if fs.reputations["alice"] != 98 {
		t.Errorf("reputation = %d, want 98 (second offense deducts 2)", fs.reputations["alice"])
	}
}

func TestOrchestrator_FailOpenOnClassifierError(t *testing.T) {
	fs := newFakeStore(pendingMessage("m1", "alice", "một tin nhắn bình thường"))
	o := NewOrchestrator(testConfig(), fs, failingClassifier(errors.New("connection refused")))

	o.HandleMessageCreated(context.Background(), event("m1"))

	m := fs.msgs["m1"]
	if m.Status != store.StatusApproved {
		t.Fatalf("status = %s, want approved (fail-open)", m.Status)
	}
	if m.AIScore != nil {
		t.Errorf("ai score = %v, want nil on fail-open", *m.AIScore)
	}
	if fs.violationCommits != 0 {
		t.Error("fail-open must not touch violation aggregates")
	}
}

func TestOrchestrator_FailOpenOnTimeout(t *testing.T) {
	fs := newFakeStore(pendingMessage("m1", "alice", "một tin nhắn bình thường"))
	cfg := testConfig()
	cfg.ClassifierTimeout = 20 * time.Millisecond

	slow := classifierFunc(func(ctx context.Context, _ string) (Verdict, error) {
		select {
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		case <-time.After(time.Second):
			return Verdict{Label: LabelHateOrThreat, Score: 0.99}, nil
		}
	})
	o := NewOrchestrator(cfg, fs, slow)

	o.HandleMessageCreated(context.Background(), event("m1"))

	m := fs.msgs["m1"]
	if m.Status != store.StatusApproved || m.AIScore != nil {
		t.Errorf("message = {status:%s ai_score:%v}, want fail-open approval", m.Status, m.AIScore)
	}
}

func TestOrchestrator_FailOpenOnPanic(t *testing.T) {
	fs := newFakeStore(pendingMessage("m1", "alice", "một tin nhắn bình thường"))
	panicky := classifierFunc(func(context.Context, string) (Verdict, error) {
		panic("classifier blew up")
	})
	o := NewOrchestrator(testConfig(), fs, panicky)

	o.HandleMessageCreated(context.Background(), event("m1"))

	m := fs.msgs["m1"]
	if m.Status != store.StatusApproved {
		t.Errorf("status = %s, want approved (outer guard)", m.Status)
	}
}

func TestOrchestrator_EmptyTextApprovedWithoutClassifier(t *testing.T) {
	for _, text := range []string{"", "   ", "\t\n"} {
		fs := newFakeStore(pendingMessage("m1", "alice", text))
		called := false
		spy := classifierFunc(func(context.Context, string) (Verdict, error) {
			called = true
			return Verdict{Label: LabelNormal, Score: 1}, nil
		})
		o := NewOrchestrator(testConfig(), fs, spy)

		o.HandleMessageCreated(context.Background(), event("m1"))

		if called {
			t.Errorf("classifier called for empty text %q", text)
		}
		m := fs.msgs["m1"]
		if m.Status != store.StatusApproved || m.AIScore != nil {
			t.Errorf("message = {status:%s ai_score:%v}, want direct approval", m.Status, m.AIScore)
		}
	}
}

func TestOrchestrator_SkipsNonTargets(t *testing.T) {
	system := pendingMessage("m1", "alice", "sex")
	system.Type = store.TypeSystem
	noSender := pendingMessage("m2", "", "sex")
	coded := pendingMessage("m3", "alice", "sex")
	coded.Code = "game_invite"

	fs := newFakeStore(system, noSender, coded)
	o := NewOrchestrator(testConfig(), fs, fixedVerdict(LabelNormal, 1))

	for _, id := range []string{"m1", "m2", "m3"} {
		o.HandleMessageCreated(context.Background(), event(id))
	}

	if fs.decisionWrites != 0 || fs.violationCommits != 0 {
		t.Errorf("writes = %d, commits = %d; non-targets must be untouched",
			fs.decisionWrites, fs.violationCommits)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if fs.msgs[id].Status != store.StatusPending {
			t.Errorf("message %s status = %s, want pending", id, fs.msgs[id].Status)
		}
	}
}

// A redelivered event for an already-decided message produces no second
// write and no second penalty.
func TestOrchestrator_Idempotency(t *testing.T) {
	fs := newFakeStore(pendingMessage("m1", "alice", "một tin nhắn xúc phạm"))
	o := NewOrchestrator(testConfig(), fs, fixedVerdict(LabelHateOrThreat, 0.9))

	o.HandleMessageCreated(context.Background(), event("m1"))
	o.HandleMessageCreated(context.Background(), event("m1"))
	o.HandleMessageCreated(context.Background(), event("m1"))

	if fs.violationCommits != 1 {
		t.Errorf("violation commits = %d, want 1", fs.violationCommits)
	}
	if fs.counts["alice"] != 1 {
		t.Errorf("violation count = %d, want 1", fs.counts["alice"])
	}
	if fs.reputations["alice"] != 100 {
		t.Errorf("reputation = %d, want 100 (first offense deducts nothing)", fs.reputations["alice"])
	}
}

func TestOrchestrator_MissingMessageIsNoOp(t *testing.T) {
	fs := newFakeStore()
	o := NewOrchestrator(testConfig(), fs, fixedVerdict(LabelNormal, 1))

	o.HandleMessageCreated(context.Background(), event("ghost"))

	if fs.decisionWrites != 0 {
		t.Errorf("writes = %d, want 0", fs.decisionWrites)
	}
}

// fakeGuard drops every event after the first delivery of each id.
type fakeGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (g *fakeGuard) FirstDelivery(_ context.Context, eventID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[eventID] {
		return false
	}
	g.seen[eventID] = true
	return true
}

func TestOrchestrator_EventGuardDropsReplays(t *testing.T) {
	fs := newFakeStore(pendingMessage("m1", "alice", "chào bạn"))
	calls := 0
	spy := classifierFunc(func(context.Context, string) (Verdict, error) {
		calls++
		return Verdict{Label: LabelNormal, Score: 0.9}, nil
	})
	o := NewOrchestrator(testConfig(), fs, spy)
	o.SetEventGuard(&fakeGuard{seen: make(map[string]bool)})

	ev := event("m1")
	ev.EventID = "ev-1"
	o.HandleMessageCreated(context.Background(), ev)
	o.HandleMessageCreated(context.Background(), ev)

	if calls != 1 {
		t.Errorf("classifier calls = %d, want 1 (replay dropped before any work)", calls)
	}
}

// Escalating penalties: repeated violations by the same sender walk the
// schedule and reputation never goes below zero.
func TestOrchestrator_EscalationAndFloor(t *testing.T) {
	o := func(fs *fakeStore) *Orchestrator {
		return NewOrchestrator(testConfig(), fs, fixedVerdict(LabelSexual, 0.99))
	}

	fs := newFakeStore()
	wantRep := []int{100, 98, 94, 86, 70, 38, 0, 0, 0, 0}
	for i := 0; i < len(wantRep); i++ {
		id := string(rune('a' + i))
		fs.msgs[id] = pendingMessage(id, "bob", "nội dung vi phạm")
		o(fs).HandleMessageCreated(context.Background(), event(id))

		if fs.reputations["bob"] != wantRep[i] {
			t.Fatalf("after violation %d: reputation = %d, want %d",
				i+1, fs.reputations["bob"], wantRep[i])
		}
	}
	if fs.counts["bob"] != len(wantRep) {
		t.Errorf("violation count = %d, want %d", fs.counts["bob"], len(wantRep))
	}
}
