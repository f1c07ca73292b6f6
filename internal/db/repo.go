package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"labelcheck-assistant/pkg"
)

// Exchange is one archived question and its answer.
type Exchange struct {
	ID          uuid.UUID
	SessionID   string
	UserTurnID  string
	AgentTurnID string
	Query       string
	HasImage    bool
	Verdict     sql.NullString
	Reasoning   sql.NullString
	Payload     json.RawMessage
	Failed      bool
	AskedAt     time.Time
	CreatedAt   time.Time
}

// Repository writes revealed exchanges to Postgres for later review.  It is
// write-mostly: sessions are never restored from it.
type Repository struct {
	DB       *sql.DB
	Notifier *Notifier
	Logger   *zap.Logger
}

// NewRepository constructs a Repository from an existing sql.DB.  The caller
// is responsible for managing the DB connection lifecycle.  notifier may be
// nil.
func NewRepository(db *sql.DB, notifier *Notifier, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{DB: db, Notifier: notifier, Logger: logger}
}

// ArchiveExchange stores a user turn with its agent turn and announces the
// session on the notification channel.  Archiving the same agent turn twice
// is a no-op.
func (r *Repository) ArchiveExchange(ctx context.Context, sessionID string, user, agent pkg.Turn, failed bool) error {
	payload := pkg.AgentPayload{}
	if agent.Payload != nil {
		payload = agent.Payload.Clone()
	}
	// The preview can be megabytes of base64; only its presence is kept.
	hasImage := payload.ImageData != nil
	payload.ImageData = nil
	doc, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO exchanges (id, session_id, user_turn_id, agent_turn_id, query, has_image, verdict, reasoning, payload, failed, asked_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
         ON CONFLICT (agent_turn_id) DO NOTHING`,
		uuid.New(), sessionID, user.ID, agent.ID, user.Content, hasImage,
		nullString(payload.Verdict), nullString(payload.Reasoning), string(doc), failed, user.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return fmt.Errorf("insert exchange (%s): %w", pqErr.Code.Name(), err)
		}
		return fmt.Errorf("insert exchange: %w", err)
	}
	if r.Notifier != nil {
		if err := r.Notifier.Notify(ctx, sessionID); err != nil {
			r.Logger.Warn("failed to notify", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return nil
}

// ListExchanges returns the archived exchanges of a session in the order
// they were asked.
func (r *Repository) ListExchanges(ctx context.Context, sessionID string) ([]Exchange, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, session_id, user_turn_id, agent_turn_id, query, has_image, verdict, reasoning, payload, failed, asked_at, created_at
         FROM exchanges
         WHERE session_id = $1
         ORDER BY asked_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Exchange
	for rows.Next() {
		var e Exchange
		if err := rows.Scan(&e.ID, &e.SessionID, &e.UserTurnID, &e.AgentTurnID, &e.Query, &e.HasImage,
			&e.Verdict, &e.Reasoning, &e.Payload, &e.Failed, &e.AskedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
