// Package tempchat imports messages from a temporary chat into a permanent
// room when the pair decides to keep talking. The import is triggered by the
// room-created event, is idempotent via the room's migrated flag, and copies
// in bounded batches.
package tempchat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/matchu/chat-backend/internal/store"
)

// batchSize bounds how many messages are copied per transaction.
const batchSize = 450

// RoomCreatedEvent is the trigger payload published when a room is created.
type RoomCreatedEvent struct {
	EventID string `json:"event_id"`
	RoomID  string `json:"room_id"`
}

// tempMessage is one row read from the temp_messages table.
type tempMessage struct {
	SenderID  string
	Type      string
	Code      string
	Text      string
	Status    string
	CreatedAt time.Time
}

// Importer copies temp-chat history into permanent rooms.
type Importer struct {
	db *sql.DB
}

// NewImporter creates an Importer on the given database handle.
func NewImporter(db *sql.DB) *Importer {
	return &Importer{db: db}
}

// HandleRoomCreated imports the temp-chat history for a newly created room.
// Rooms without a temp-room origin and rooms already marked migrated are
// skipped, which makes redelivered events no-ops. System messages and
// code-carrying events are not copied. An empty temp room still gets the
// room marked migrated so the check never re-fires.
func (im *Importer) HandleRoomCreated(ctx context.Context, ev RoomCreatedEvent) error {
	var (
		fromTempRoom sql.NullString
		migrated     bool
	)
	err := im.db.QueryRowContext(ctx,
		`SELECT from_temp_room, migrated FROM rooms WHERE id = $1`, ev.RoomID,
	).Scan(&fromTempRoom, &migrated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // room deleted before we got to it
	}
	if err != nil {
		return fmt.Errorf("tempchat: read room: %w", err)
	}
	if fromTempRoom.String == "" || migrated {
		return nil
	}

	msgs, err := im.readTempMessages(ctx, fromTempRoom.String)
	if err != nil {
		return err
	}

	copied := 0
	for start := 0; start < len(msgs); start += batchSize {
		end := start + batchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		n, err := im.copyBatch(ctx, ev.RoomID, msgs[start:end])
		if err != nil {
			return err
		}
		copied += n
	}

	if err := im.markMigrated(ctx, ev.RoomID); err != nil {
		return err
	}

	log.Printf("[tempchat] imported room=%s from=%s messages=%d",
		ev.RoomID, fromTempRoom.String, copied)
	return nil
}

func (im *Importer) readTempMessages(ctx context.Context, tempRoomID string) ([]tempMessage, error) {
	rows, err := im.db.QueryContext(ctx,
		`SELECT sender_id, type, code, text, status, created_at
		 FROM temp_messages
		 WHERE temp_room_id = $1
		 ORDER BY created_at`, tempRoomID)
	if err != nil {
		return nil, fmt.Errorf("tempchat: read temp messages: %w", err)
	}
	defer rows.Close()

	var msgs []tempMessage
	for rows.Next() {
		var m tempMessage
		if err := rows.Scan(&m.SenderID, &m.Type, &m.Code, &m.Text, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("tempchat: scan temp message: %w", err)
		}
		if m.Type == store.TypeSystem || m.Code != "" {
			continue
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tempchat: iterate temp messages: %w", err)
	}
	return msgs, nil
}

// copyBatch inserts one batch of messages in a single transaction.
func (im *Importer) copyBatch(ctx context.Context, roomID string, msgs []tempMessage) (int, error) {
	tx, err := im.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("tempchat: begin batch: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO messages (id, room_id, sender_id, type, text, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for _, m := range msgs {
		status := m.Status
		if status == "" {
			status = store.StatusApproved
		}
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, query,
			uuid.New().String(), roomID, m.SenderID, m.Type, m.Text, status, createdAt,
		); err != nil {
			return 0, fmt.Errorf("tempchat: insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("tempchat: commit batch: %w", err)
	}
	return len(msgs), nil
}

func (im *Importer) markMigrated(ctx context.Context, roomID string) error {
	_, err := im.db.ExecContext(ctx,
		`UPDATE rooms SET migrated = TRUE, migrated_at = NOW() WHERE id = $1`, roomID)
	if err != nil {
		return fmt.Errorf("tempchat: mark migrated: %w", err)
	}
	return nil
}
