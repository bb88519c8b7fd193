package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/lib/pq"
	"github.com/matchu/chat-backend/internal/metrics"
)

// maxTxAttempts bounds automatic retries of a conflicted transaction.
const maxTxAttempts = 5

// Violation describes a remote-detected harmful message to be committed as
// a punitive block.
type Violation struct {
	RoomID    string
	MessageID string
	SenderID  string
	Reason    string
	Score     float64
}

// ViolationOutcome reports what a CommitViolation call actually did.
type ViolationOutcome struct {
	// Committed is false when the transaction aborted without side effects
	// because the message was gone or already decided.
	Committed bool

	ViolationCount int // sender's count after the increment
	Penalty        int // reputation points deducted
	Reputation     int // sender's reputation after the deduction
}

// CommitViolation atomically applies an AI block decision across the
// message, room, and user rows: one transaction re-reads the message,
// increments the sender's violation count in the room aggregate, deducts
// the penalty from the sender's reputation (floored at 0), and writes the
// terminal block decision. The penalty schedule is injected so escalation
// policy stays out of the storage layer.
//
// The transaction runs at SERIALIZABLE isolation and is retried
// automatically on detected conflicts, so two participants in the same room
// being moderated concurrently both get correct, non-lost increments.
func (s *Store) CommitViolation(ctx context.Context, v Violation, penalty func(int) int) (ViolationOutcome, error) {
	var outcome ViolationOutcome

	for attempt := 1; ; attempt++ {
		out, err := s.commitViolationOnce(ctx, v, penalty)
		if err == nil {
			return out, nil
		}
		if !isRetryableTxError(err) || attempt >= maxTxAttempts {
			return outcome, err
		}
		metrics.ViolationTxRetries.Inc()
		log.Printf("[store] violation tx conflict room=%s message=%s attempt=%d: %v",
			v.RoomID, v.MessageID, attempt, err)
	}
}

func (s *Store) commitViolationOnce(ctx context.Context, v Violation, penalty func(int) int) (ViolationOutcome, error) {
	var outcome ViolationOutcome

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return outcome, fmt.Errorf("store: begin violation tx: %w", err)
	}
	defer tx.Rollback()

	// Re-read the message inside the atomic boundary. This closes the
	// check-then-act gap between the orchestrator's idempotency check and
	// this commit: a concurrent execution may have decided the message in
	// the meantime.
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM messages WHERE id = $1 FOR UPDATE`, v.MessageID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return outcome, nil // message deleted, abort without side effects
	}
	if err != nil {
		return outcome, fmt.Errorf("store: reread message: %w", err)
	}
	if status != StatusPending {
		return outcome, nil // already decided, abort without side effects
	}

	// Room aggregate: read, self-heal, increment.
	var (
		userA, userB               string
		rawParticipants, rawCounts []byte
	)
	err = tx.QueryRowContext(ctx,
		`SELECT user_a, user_b, participants, violation_counts
		 FROM rooms WHERE id = $1 FOR UPDATE`, v.RoomID,
	).Scan(&userA, &userB, &rawParticipants, &rawCounts)
	if err != nil {
		return outcome, fmt.Errorf("store: read room: %w", err)
	}

	participants, counts := normalizeAggregates(rawParticipants, rawCounts, userA, userB)
	counts[v.SenderID]++
	newCount := counts[v.SenderID]

	// User aggregate: default-initialize on first moderation-relevant write.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, reputation, score) VALUES ($1, $2, $2)
		 ON CONFLICT (id) DO NOTHING`, v.SenderID, DefaultReputation)
	if err != nil {
		return outcome, fmt.Errorf("store: init user: %w", err)
	}

	var reputation int
	err = tx.QueryRowContext(ctx,
		`SELECT reputation FROM users WHERE id = $1 FOR UPDATE`, v.SenderID,
	).Scan(&reputation)
	if err != nil {
		return outcome, fmt.Errorf("store: read user: %w", err)
	}

	points := penalty(newCount)
	reputation -= points
	if reputation < 0 {
		reputation = 0
	}

	pJSON, err := json.Marshal(participants)
	if err != nil {
		return outcome, fmt.Errorf("store: marshal participants: %w", err)
	}
	cJSON, err := json.Marshal(counts)
	if err != nil {
		return outcome, fmt.Errorf("store: marshal violation counts: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE rooms SET participants = $2, violation_counts = $3 WHERE id = $1`,
		v.RoomID, pJSON, cJSON)
	if err != nil {
		return outcome, fmt.Errorf("store: update room: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET reputation = $2, score = $2 WHERE id = $1`,
		v.SenderID, reputation)
	if err != nil {
		return outcome, fmt.Errorf("store: update user: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE messages
		 SET status = $2, blocked_by = $3, reason = $4, warning = TRUE, ai_score = $5
		 WHERE id = $1`,
		v.MessageID, StatusBlocked, BlockedByAI, v.Reason, v.Score)
	if err != nil {
		return outcome, fmt.Errorf("store: update message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return outcome, fmt.Errorf("store: commit violation tx: %w", err)
	}

	return ViolationOutcome{
		Committed:      true,
		ViolationCount: newCount,
		Penalty:        points,
		Reputation:     reputation,
	}, nil
}

// isRetryableTxError reports whether err is a PostgreSQL serialization
// failure (40001) or deadlock (40P01), both of which are safe to retry.
func isRetryableTxError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}
