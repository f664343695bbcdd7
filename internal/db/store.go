package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/supportcrm/backend/internal/models"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schemaSQL)
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func requireRow(tag interface{ RowsAffected() int64 }) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// conversations

const conversationColumns = `id, customer_id, agent_id, status, is_ai_handled, ai_confidence, assigned_to, created_at, updated_at`

func scanConversation(row pgx.Row) (models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.CustomerID, &c.AgentID, &c.Status, &c.IsAIHandled, &c.AIConfidence, &c.AssignedTo, &c.CreatedAt, &c.UpdatedAt)
	return c, notFound(err)
}

func (s *Store) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	return scanConversation(s.Pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
}

func (s *Store) SaveTurn(ctx context.Context, t Turn) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		c := t.Conversation
		if t.IsNew {
			_, err := tx.Exec(ctx, `
				INSERT INTO conversations (`+conversationColumns+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`, c.ID, c.CustomerID, c.AgentID, c.Status, c.IsAIHandled, c.AIConfidence, c.AssignedTo, c.CreatedAt, c.UpdatedAt)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "23505" {
					return ErrConflict
				}
				return fmt.Errorf("insert conversation: %w", err)
			}
		} else {
			tag, err := tx.Exec(ctx, `
				UPDATE conversations SET ai_confidence = $1, status = $2, updated_at = $3 WHERE id = $4
			`, c.AIConfidence, c.Status, c.UpdatedAt, c.ID)
			if err != nil {
				return fmt.Errorf("update conversation: %w", err)
			}
			if err := requireRow(tag); err != nil {
				return err
			}
		}
		for _, m := range t.Messages {
			if err := insertMessage(ctx, tx, m); err != nil {
				return err
			}
		}
		meta, _ := json.Marshal(nonNilMap(t.Log.Metadata))
		_, err := tx.Exec(ctx, `
			INSERT INTO ai_conversation_logs (id, conversation_id, message_id, agent_id, confidence_score, processing_time, tokens_used, metadata, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, t.Log.ID, t.Log.ConversationID, t.Log.MessageID, t.Log.AgentID, t.Log.ConfidenceScore, t.Log.ProcessingTime, t.Log.TokensUsed, meta, t.Log.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
		for _, e := range t.Events {
			if err := insertEvent(ctx, tx, e); err != nil {
				return fmt.Errorf("insert %s: %w", e.EventType, err)
			}
		}
		return nil
	})
}

func (s *Store) HandoffConversation(ctx context.Context, conversationID string, note models.Message) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE conversations SET is_ai_handled = FALSE, status = 'new', assigned_to = NULL, updated_at = $1 WHERE id = $2
		`, note.CreatedAt, conversationID)
		if err != nil {
			return err
		}
		if err := requireRow(tag); err != nil {
			return err
		}
		return insertMessage(ctx, tx, note)
	})
}

func (s *Store) SetConversationStatus(ctx context.Context, conversationID string, status models.ConversationStatus) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE conversations SET status = $1, updated_at = NOW() WHERE id = $2`, status, conversationID)
	if err != nil {
		return err
	}
	return requireRow(tag)
}

// messages

const messageColumns = `id, conversation_id, direction, role, content, confidence, has_feedback, created_at`

func insertMessage(ctx context.Context, tx pgx.Tx, m models.Message) error {
	_, err := tx.Exec(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.ConversationID, m.Direction, m.Role, m.Content, m.Confidence, m.HasFeedback, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) InsertMessage(ctx context.Context, m models.Message) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return insertMessage(ctx, tx, m)
	})
}

func scanMessage(row pgx.Row) (models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Role, &m.Content, &m.Confidence, &m.HasFeedback, &m.CreatedAt)
	return m, notFound(err)
}

func (s *Store) GetMessage(ctx context.Context, id string) (models.Message, error) {
	return scanMessage(s.Pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ai_conversation_logs

const logColumns = `id, conversation_id, message_id, agent_id, confidence_score, processing_time, tokens_used, feedback_score, metadata, created_at`

func scanLog(row pgx.Row) (models.AIConversationLog, error) {
	var (
		l    models.AIConversationLog
		meta []byte
	)
	if err := row.Scan(&l.ID, &l.ConversationID, &l.MessageID, &l.AgentID, &l.ConfidenceScore, &l.ProcessingTime, &l.TokensUsed, &l.FeedbackScore, &meta, &l.CreatedAt); err != nil {
		return l, notFound(err)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &l.Metadata)
	}
	return l, nil
}

func (s *Store) ListLogs(ctx context.Context, conversationID string) ([]models.AIConversationLog, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+logColumns+` FROM ai_conversation_logs WHERE conversation_id = $1 ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AIConversationLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) LatestLog(ctx context.Context, conversationID string) (models.AIConversationLog, error) {
	return scanLog(s.Pool.QueryRow(ctx, `SELECT `+logColumns+` FROM ai_conversation_logs WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT 1`, conversationID))
}

// RecordFeedback marks the message as rated and stores the rating on the log
// row in one transaction. It returns ErrConflict when the message already
// carries feedback, leaving the log row untouched.
func (s *Store) RecordFeedback(ctx context.Context, messageID, logID string, score int, comment string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE messages SET has_feedback = TRUE WHERE id = $1 AND NOT has_feedback`, messageID)
		if err != nil {
			return fmt.Errorf("mark message feedback: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, messageID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrConflict
		}
		tag, err = tx.Exec(ctx, `
			UPDATE ai_conversation_logs
			SET feedback_score = $1, metadata = jsonb_set(metadata, '{feedback_comment}', to_jsonb($2::text))
			WHERE id = $3
		`, score, comment, logID)
		if err != nil {
			return fmt.Errorf("update log feedback: %w", err)
		}
		return requireRow(tag)
	})
}

// ai_agents

const agentColumns = `id, name, scope, scope_ref, active, settings, created_at`

func scanAgent(row pgx.Row) (models.AIAgent, error) {
	var (
		a        models.AIAgent
		settings []byte
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Scope, &a.ScopeRef, &a.Active, &settings, &a.CreatedAt); err != nil {
		return a, notFound(err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &a.Settings); err != nil {
			return a, fmt.Errorf("agent %s settings: %w", a.ID, err)
		}
	}
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (models.AIAgent, error) {
	return scanAgent(s.Pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM ai_agents WHERE id = $1`, id))
}

// GetActiveAgent returns the oldest active agent, preferring global scope.
func (s *Store) GetActiveAgent(ctx context.Context) (models.AIAgent, error) {
	return scanAgent(s.Pool.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM ai_agents WHERE active
		ORDER BY (scope = 'global') DESC, created_at ASC LIMIT 1
	`))
}

func (s *Store) UpsertAgent(ctx context.Context, a models.AIAgent) error {
	settings, _ := json.Marshal(a.Settings)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO ai_agents (`+agentColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			scope = EXCLUDED.scope,
			scope_ref = EXCLUDED.scope_ref,
			active = EXCLUDED.active,
			settings = EXCLUDED.settings
	`, a.ID, a.Name, a.Scope, a.ScopeRef, a.Active, settings, a.CreatedAt)
	return err
}

// ai_webhook_events

const eventColumns = `id, event_type, agent_id, conversation_id, payload, processed, next_attempt_at, created_at`

func scanEvent(row pgx.Row) (models.AIWebhookEvent, error) {
	var (
		e       models.AIWebhookEvent
		payload []byte
	)
	if err := row.Scan(&e.ID, &e.EventType, &e.AgentID, &e.ConversationID, &payload, &e.Processed, &e.NextAttemptAt, &e.CreatedAt); err != nil {
		return e, notFound(err)
	}
	e.Payload = json.RawMessage(payload)
	return e, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertEvent(ctx context.Context, q execer, e models.AIWebhookEvent) error {
	_, err := q.Exec(ctx, `INSERT INTO ai_webhook_events (`+eventColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.EventType, e.AgentID, e.ConversationID, []byte(e.Payload), e.Processed, e.NextAttemptAt, e.CreatedAt)
	return err
}

func (s *Store) InsertEvent(ctx context.Context, e models.AIWebhookEvent) error {
	return insertEvent(ctx, s.Pool, e)
}

func (s *Store) GetEvent(ctx context.Context, id string) (models.AIWebhookEvent, error) {
	return scanEvent(s.Pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM ai_webhook_events WHERE id = $1`, id))
}

func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]models.AIWebhookEvent, error) {
	f = f.normalized()
	query := `SELECT ` + eventColumns + ` FROM ai_webhook_events`
	var args []any
	var wheres []string
	if f.EventType != "" {
		args = append(args, f.EventType)
		wheres = append(wheres, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if f.ConversationID != "" {
		args = append(args, f.ConversationID)
		wheres = append(wheres, fmt.Sprintf("conversation_id = $%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		wheres = append(wheres, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.Processed != nil {
		args = append(args, *f.Processed)
		wheres = append(wheres, fmt.Sprintf("processed = $%d", len(args)))
	}
	if f.DueAt != nil {
		args = append(args, *f.DueAt)
		wheres = append(wheres, fmt.Sprintf("(next_attempt_at IS NULL OR next_attempt_at <= $%d)", len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	if f.Ascending {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	query += " LIMIT $" + fmt.Sprint(len(args)+1) + " OFFSET $" + fmt.Sprint(len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AIWebhookEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkEventProcessed(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE ai_webhook_events SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(tag)
}

// DeferEvent holds an unprocessed event back from dispatch until the given time.
func (s *Store) DeferEvent(ctx context.Context, id string, until time.Time) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE ai_webhook_events SET next_attempt_at = $1 WHERE id = $2`, until, id)
	if err != nil {
		return err
	}
	return requireRow(tag)
}

// ai_webhook_deliveries

func (s *Store) ListDeliveries(ctx context.Context, eventID string) ([]models.WebhookDelivery, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT event_id, webhook_id, attempts, delivered, dead_lettered, last_error, next_attempt_at, updated_at
		FROM ai_webhook_deliveries WHERE event_id = $1 ORDER BY webhook_id
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		if err := rows.Scan(&d.EventID, &d.WebhookID, &d.Attempts, &d.Delivered, &d.DeadLettered, &d.LastError, &d.NextAttemptAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) SaveDelivery(ctx context.Context, d models.WebhookDelivery) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO ai_webhook_deliveries (event_id, webhook_id, attempts, delivered, dead_lettered, last_error, next_attempt_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (event_id, webhook_id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			delivered = EXCLUDED.delivered,
			dead_lettered = EXCLUDED.dead_lettered,
			last_error = EXCLUDED.last_error,
			next_attempt_at = EXCLUDED.next_attempt_at,
			updated_at = EXCLUDED.updated_at
	`, d.EventID, d.WebhookID, d.Attempts, d.Delivered, d.DeadLettered, d.LastError, d.NextAttemptAt, d.UpdatedAt)
	return err
}

// ai_webhooks

func (s *Store) ListActiveWebhooks(ctx context.Context) ([]models.WebhookSubscription, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, url, secret_key, events, active FROM ai_webhooks WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WebhookSubscription
	for rows.Next() {
		var w models.WebhookSubscription
		if err := rows.Scan(&w.ID, &w.URL, &w.SecretKey, &w.Events, &w.Active); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) InsertWebhook(ctx context.Context, w models.WebhookSubscription) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO ai_webhooks (id, url, secret_key, events, active) VALUES ($1,$2,$3,$4,$5)`,
		w.ID, w.URL, w.SecretKey, w.Events, w.Active)
	return err
}

// knowledge_bases / documents

func (s *Store) GetKnowledgeBase(ctx context.Context, id string) (models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	err := s.Pool.QueryRow(ctx, `SELECT id, name, document_count, state, quality, last_trained FROM knowledge_bases WHERE id = $1`, id).
		Scan(&kb.ID, &kb.Name, &kb.DocumentCount, &kb.State, &kb.Quality, &kb.LastTrained)
	return kb, notFound(err)
}

func (s *Store) UpsertKnowledgeBase(ctx context.Context, kb models.KnowledgeBase) error {
	if kb.State == "" {
		kb.State = models.TrainingUntrained
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO knowledge_bases (id, name, document_count, state, quality, last_trained)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, kb.ID, kb.Name, kb.DocumentCount, kb.State, kb.Quality, kb.LastTrained)
	return err
}

func (s *Store) SetKnowledgeBaseState(ctx context.Context, id string, state models.TrainingState) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE knowledge_bases SET state = $1 WHERE id = $2`, state, id)
	if err != nil {
		return err
	}
	return requireRow(tag)
}

func (s *Store) FinishTraining(ctx context.Context, id string, quality int, at time.Time) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE knowledge_bases SET state = $1, quality = $2, last_trained = $3 WHERE id = $4`,
		models.TrainingDone, quality, at, id)
	if err != nil {
		return err
	}
	return requireRow(tag)
}

func (s *Store) InsertDocument(ctx context.Context, d models.Document) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE knowledge_bases SET document_count = document_count + 1 WHERE id = $1`, d.KnowledgeBaseID)
		if err != nil {
			return err
		}
		if err := requireRow(tag); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO documents (id, knowledge_base_id, name, content, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, d.ID, d.KnowledgeBaseID, d.Name, d.Content, d.Status, d.CreatedAt)
		return err
	})
}

func (s *Store) ListDocuments(ctx context.Context, knowledgeBaseID string) ([]models.Document, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, knowledge_base_id, name, content, status, created_at, processed_at
		FROM documents WHERE knowledge_base_id = $1 ORDER BY created_at ASC
	`, knowledgeBaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.KnowledgeBaseID, &d.Name, &d.Content, &d.Status, &d.CreatedAt, &d.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, at time.Time) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE documents SET status = $1, processed_at = $2 WHERE id = $3 AND status = 'pending'`, status, at, id)
	if err != nil {
		return err
	}
	return requireRow(tag)
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
