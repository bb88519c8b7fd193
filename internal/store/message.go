package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message statuses. A message is created pending and moved exactly once to a
// terminal status by the moderation pipeline.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusBlocked  = "blocked"
)

// Blocker values for the blocked_by column.
const (
	BlockedByRule = "rule"
	BlockedByAI   = "ai"
)

// Message types.
const (
	TypeText    = "text"
	TypeImage   = "image"
	TypeSystem  = "system"
	TypeDeleted = "deleted"
)

// Message is one chat message row.
type Message struct {
	ID           string
	RoomID       string
	SenderID     string
	Type         string
	Code         string
	Text         string
	Status       string
	BlockedBy    string // "" when not blocked
	Reason       string // "" when none
	Warning      bool
	AIScore      *float64
	ImagePath    string
	ViewOnce     bool
	ViewedBy     map[string]bool
	ImageDeleted bool
	DeletedBy    string
	CreatedAt    time.Time
}

// Decision is the full set of moderation decision fields. Unlike other
// message fields, which are merged, decision fields are always rewritten as
// a unit.
type Decision struct {
	Status    string
	BlockedBy string
	Reason    string
	Warning   bool
	AIScore   *float64
}

// GetMessage loads a message by id. Returns (nil, nil) if it does not exist.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	const query = `
		SELECT id, room_id, sender_id, type, code, text, status,
		       COALESCE(blocked_by, ''), COALESCE(reason, ''), warning, ai_score,
		       COALESCE(image_path, ''), view_once, viewed_by, image_deleted,
		       COALESCE(deleted_by, ''), created_at
		FROM messages WHERE id = $1`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m        Message
		aiScore  sql.NullFloat64
		viewedBy []byte
	)
	err := row.Scan(
		&m.ID, &m.RoomID, &m.SenderID, &m.Type, &m.Code, &m.Text, &m.Status,
		&m.BlockedBy, &m.Reason, &m.Warning, &aiScore,
		&m.ImagePath, &m.ViewOnce, &viewedBy, &m.ImageDeleted,
		&m.DeletedBy, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if aiScore.Valid {
		v := aiScore.Float64
		m.AIScore = &v
	}
	// Malformed viewed_by degrades to empty rather than failing the read.
	m.ViewedBy = map[string]bool{}
	_ = json.Unmarshal(viewedBy, &m.ViewedBy)
	return &m, nil
}

// WriteDecision writes a terminal moderation decision to a single message
// row. The write is guarded by status = 'pending', which makes it the
// single-document idempotent write of the pipeline: the first decision wins
// and replays are no-ops. Returns whether the decision was applied.
func (s *Store) WriteDecision(ctx context.Context, messageID string, d Decision) (bool, error) {
	const query = `
		UPDATE messages
		SET status = $2,
		    blocked_by = NULLIF($3, ''),
		    reason = NULLIF($4, ''),
		    warning = $5,
		    ai_score = $6
		WHERE id = $1 AND status = 'pending'`

	var score sql.NullFloat64
	if d.AIScore != nil {
		score = sql.NullFloat64{Float64: *d.AIScore, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, query, messageID, d.Status, d.BlockedBy, d.Reason, d.Warning, score)
	if err != nil {
		return false, fmt.Errorf("store: write decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: write decision rows: %w", err)
	}
	return n == 1, nil
}

// TombstoneImage replaces a viewed view-once image with a deleted
// placeholder: the type flips to deleted, the text becomes the placeholder,
// and the image path is cleared. Guarded by image_deleted so a redelivered
// event is a no-op. Returns whether the tombstone was applied.
func (s *Store) TombstoneImage(ctx context.Context, messageID, viewerID, placeholder string) (bool, error) {
	const query = `
		UPDATE messages
		SET type = 'deleted',
		    text = $3,
		    image_path = NULL,
		    image_deleted = TRUE,
		    deleted_at = NOW(),
		    deleted_by = $2
		WHERE id = $1 AND image_deleted = FALSE`

	res, err := s.db.ExecContext(ctx, query, messageID, viewerID, placeholder)
	if err != nil {
		return false, fmt.Errorf("store: tombstone image: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: tombstone image rows: %w", err)
	}
	return n == 1, nil
}

// InsertMessage inserts a message row. Used by the temp-chat importer and
// by tests; the regular message-send path lives outside this backend core.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO messages (id, room_id, sender_id, type, code, text, status,
		                      image_path, view_once, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := m.Status
	if status == "" {
		status = StatusPending
	}
	msgType := m.Type
	if msgType == "" {
		msgType = TypeText
	}

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.RoomID, m.SenderID, msgType, m.Code, m.Text, status,
		m.ImagePath, m.ViewOnce, createdAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}
