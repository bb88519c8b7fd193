package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Room is one chat room row. Participants and ViolationCounts are stored as
// JSONB and may be missing or malformed in historical rows; they are
// normalized on every transactional read so old records self-heal without a
// separate migration step.
type Room struct {
	ID              string
	UserA           string
	UserB           string
	Participants    []string
	ViolationCounts map[string]int
	LastMessage     string
	LastMessageType string
	LastSenderID    string
	LastMessageAt   *time.Time
	FromTempRoom    string
	Migrated        bool
}

// GetRoom loads a room by id with normalized aggregates.
// Returns (nil, nil) if it does not exist.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	const query = `
		SELECT id, user_a, user_b, participants, violation_counts,
		       COALESCE(last_message, ''), COALESCE(last_message_type, ''),
		       COALESCE(last_sender_id, ''), last_message_at,
		       COALESCE(from_temp_room, ''), migrated
		FROM rooms WHERE id = $1`

	room, err := scanRoom(s.db.QueryRowContext(ctx, query, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get room: %w", err)
	}
	return room, nil
}

func scanRoom(row rowScanner) (*Room, error) {
	var (
		room          Room
		participants  []byte
		counts        []byte
		lastMessageAt sql.NullTime
	)
	err := row.Scan(
		&room.ID, &room.UserA, &room.UserB, &participants, &counts,
		&room.LastMessage, &room.LastMessageType, &room.LastSenderID,
		&lastMessageAt, &room.FromTempRoom, &room.Migrated,
	)
	if err != nil {
		return nil, err
	}
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		room.LastMessageAt = &t
	}
	room.Participants, room.ViolationCounts = normalizeAggregates(participants, counts, room.UserA, room.UserB)
	return &room, nil
}

// normalizeAggregates repairs a room's participant list and violation-count
// map from their raw JSONB forms. Participants become a de-duplicated ordered
// list: any valid existing entries first, then the two known party ids.
// Violation counts keep every existing non-negative integer entry and gain a
// zero entry for each current participant; malformed entries are dropped.
// The result never shrinks a valid record.
func normalizeAggregates(rawParticipants, rawCounts []byte, userA, userB string) ([]string, map[string]int) {
	var existing []interface{}
	_ = json.Unmarshal(rawParticipants, &existing)

	participants := make([]string, 0, len(existing)+2)
	seen := make(map[string]bool, len(existing)+2)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			participants = append(participants, id)
		}
	}
	for _, v := range existing {
		if id, ok := v.(string); ok {
			add(id)
		}
	}
	add(userA)
	add(userB)

	var rawMap map[string]interface{}
	_ = json.Unmarshal(rawCounts, &rawMap)

	counts := make(map[string]int, len(participants))
	for id, v := range rawMap {
		f, ok := v.(float64)
		if !ok || f < 0 || f != math.Trunc(f) {
			continue
		}
		counts[id] = int(f)
	}
	for _, id := range participants {
		if _, ok := counts[id]; !ok {
			counts[id] = 0
		}
	}

	return participants, counts
}

// RewriteLastMessagePreview replaces a room's last-message preview with the
// deleted placeholder, but only if the preview still points at msg (matched
// by timestamp, the way the message-send path stamps previews). A newer
// message having already replaced the preview means there is nothing to do.
func (s *Store) RewriteLastMessagePreview(ctx context.Context, roomID string, msg *Message, placeholder, viewerID string) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil || room.LastMessageAt == nil {
		return nil
	}
	if !room.LastMessageAt.Equal(msg.CreatedAt) {
		return nil
	}

	lastSender := msg.SenderID
	if lastSender == "" {
		lastSender = viewerID
	}

	const query = `
		UPDATE rooms
		SET last_message = $2, last_message_type = 'deleted', last_sender_id = $3
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, roomID, placeholder, lastSender); err != nil {
		return fmt.Errorf("store: rewrite preview: %w", err)
	}
	return nil
}

// InsertRoom inserts a room row. Used by the room-creation glue and tests.
func (s *Store) InsertRoom(ctx context.Context, room *Room) error {
	participants := room.Participants
	if participants == nil {
		participants = []string{}
	}
	counts := room.ViolationCounts
	if counts == nil {
		counts = map[string]int{}
	}

	pJSON, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("store: marshal participants: %w", err)
	}
	cJSON, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("store: marshal violation counts: %w", err)
	}

	const query = `
		INSERT INTO rooms (id, user_a, user_b, participants, violation_counts, from_temp_room)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`

	_, err = s.db.ExecContext(ctx, query,
		room.ID, room.UserA, room.UserB, pJSON, cJSON, room.FromTempRoom)
	if err != nil {
		return fmt.Errorf("store: insert room: %w", err)
	}
	return nil
}
