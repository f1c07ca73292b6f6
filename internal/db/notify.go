package db

import (
	"context"
	"database/sql"
	"fmt"
)

// DefaultChannel is the notification channel used when none is configured.
const DefaultChannel = "turn_revealed"

// Notifier publishes the id of a session whose exchange was just archived
// using PostgreSQL NOTIFY, so review tools can LISTEN for new answers.
type Notifier struct {
	DB      *sql.DB
	Channel string
}

// NewNotifier constructs a new Notifier.  An empty channel means
// DefaultChannel.
func NewNotifier(db *sql.DB, channel string) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Notifier{DB: db, Channel: channel}
}

// Notify sends a notification to the channel with the session ID as payload.
// NOTIFY does not accept bind parameters, so the payload goes through
// pg_notify.
func (n *Notifier) Notify(ctx context.Context, sessionID string) error {
	_, err := n.DB.ExecContext(ctx, "SELECT pg_notify($1, $2)", n.Channel, sessionID)
	if err != nil {
		return fmt.Errorf("notify %s: %w", n.Channel, err)
	}
	return nil
}
