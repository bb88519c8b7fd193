// Package cleanup removes view-once image attachments after they have been
// seen. When the recipient views a view-once image, the stored blob is
// deleted, the message is tombstoned, and the room's last-message preview is
// rewritten if it still points at the image.
package cleanup

import (
	"context"
	"fmt"
	"log"

	"github.com/matchu/chat-backend/internal/store"
)

// deletedText is the placeholder shown in place of a removed image.
const deletedText = "Ảnh đã bị xóa"

// MessageViewedEvent is the trigger payload published when a message gains
// a viewer.
type MessageViewedEvent struct {
	EventID   string `json:"event_id"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	ViewerID  string `json:"viewer_id"`
}

// Cleaner handles view-once image cleanup.
type Cleaner struct {
	store *store.Store
	blobs BlobStore
}

// NewCleaner creates a Cleaner on the given store and blob backend.
func NewCleaner(st *store.Store, blobs BlobStore) *Cleaner {
	return &Cleaner{store: st, blobs: blobs}
}

// HandleMessageViewed processes one message-viewed event. Non-image,
// non-view-once, already-deleted, and sender-self-view events are skipped.
// Blob deletion is best-effort; the tombstone write is guarded so a
// redelivered event is a no-op.
func (c *Cleaner) HandleMessageViewed(ctx context.Context, ev MessageViewedEvent) error {
	msg, err := c.store.GetMessage(ctx, ev.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	if msg.Type != store.TypeImage || !msg.ViewOnce {
		return nil
	}
	if msg.Type == store.TypeDeleted || msg.ImageDeleted {
		return nil
	}
	if ev.ViewerID == "" || ev.ViewerID == msg.SenderID {
		return nil // the sender previewing their own image doesn't burn it
	}

	if msg.ImagePath != "" {
		if err := c.blobs.Delete(ctx, msg.ImagePath); err != nil {
			// Missing blobs and transient storage failures don't stop the
			// tombstone; the message must disappear either way.
			log.Printf("[cleanup] delete blob %s: %v", msg.ImagePath, err)
		}
	}

	applied, err := c.store.TombstoneImage(ctx, ev.MessageID, ev.ViewerID, deletedText)
	if err != nil {
		return fmt.Errorf("cleanup: tombstone: %w", err)
	}
	if !applied {
		return nil // another delivery won the race
	}

	if err := c.store.RewriteLastMessagePreview(ctx, ev.RoomID, msg, deletedText, ev.ViewerID); err != nil {
		// The tombstone is the important part; a stale preview self-corrects
		// on the next message.
		log.Printf("[cleanup] rewrite preview room=%s: %v", ev.RoomID, err)
	}

	log.Printf("[cleanup] removed view-once image room=%s message=%s viewer=%s",
		ev.RoomID, ev.MessageID, ev.ViewerID)
	return nil
}
