package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadforge/dealbot/internal/domain"
)

// NegotiationStore implements domain.NegotiationStore on PostgreSQL. Message
// sequence numbers are assigned at insert time from the current per-session
// maximum; the engine serializes writes per session, and the unique
// (session_id, seq) constraint backs that up.
type NegotiationStore struct {
	pool *pgxpool.Pool
}

// NewNegotiationStore creates a NegotiationStore backed by the given pool.
func NewNegotiationStore(pool *pgxpool.Pool) *NegotiationStore {
	return &NegotiationStore{pool: pool}
}

// CreateSession inserts a session. The deal_id unique constraint enforces
// one session per deal.
func (s *NegotiationStore) CreateSession(ctx context.Context, sess domain.NegotiationSession) (domain.NegotiationSession, error) {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Stage == "" {
		sess.Stage = domain.StageInitial
	}

	const query = `
		INSERT INTO negotiation_sessions (
			id, deal_id, stage, seller_chat_id, seller_sender_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING ` + sessionSelectCols

	row := s.pool.QueryRow(ctx, query,
		sess.ID, sess.DealID, string(sess.Stage), sess.SellerChatID, sess.SellerSenderID)
	created, err := scanSession(row)
	if err != nil {
		return domain.NegotiationSession{}, fmt.Errorf("postgres: create session for deal %s: %w", sess.DealID, mapCreateErr(err))
	}
	return created, nil
}

// GetSessionByDeal returns the session bound to a deal.
func (s *NegotiationStore) GetSessionByDeal(ctx context.Context, dealID string) (domain.NegotiationSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionSelectCols+` FROM negotiation_sessions WHERE deal_id = $1`, dealID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NegotiationSession{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.NegotiationSession{}, fmt.Errorf("postgres: get session for deal %s: %w", dealID, err)
	}
	return sess, nil
}

// GetSessionByCounterparty returns the most recent session for a chat/sender
// pair.
func (s *NegotiationStore) GetSessionByCounterparty(ctx context.Context, chatID, senderID int64) (domain.NegotiationSession, error) {
	const query = `
		SELECT ` + sessionSelectCols + `
		FROM negotiation_sessions
		WHERE seller_chat_id = $1 AND seller_sender_id = $2
		ORDER BY created_at DESC
		LIMIT 1`

	row := s.pool.QueryRow(ctx, query, chatID, senderID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NegotiationSession{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.NegotiationSession{}, fmt.Errorf("postgres: get session for chat %d: %w", chatID, err)
	}
	return sess, nil
}

// UpdateStage persists a stage change.
func (s *NegotiationStore) UpdateStage(ctx context.Context, sessionID string, stage domain.NegotiationStage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE negotiation_sessions SET stage = $1, updated_at = NOW() WHERE id = $2`,
		string(stage), sessionID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update session %s stage: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendMessage assigns the next sequence number and stores the message.
func (s *NegotiationStore) AppendMessage(ctx context.Context, m domain.NegotiationMessage) (domain.NegotiationMessage, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	const query = `
		INSERT INTO negotiation_messages (id, session_id, role, content, seq, created_at)
		VALUES (
			$1, $2, $3, $4,
			(SELECT COALESCE(MAX(seq) + 1, 0) FROM negotiation_messages WHERE session_id = $2),
			NOW()
		)
		RETURNING id, session_id, role, content, seq, created_at`

	row := s.pool.QueryRow(ctx, query, m.ID, m.SessionID, string(m.Role), m.Content)
	stored, err := scanMessage(row)
	if err != nil {
		return domain.NegotiationMessage{}, fmt.Errorf("postgres: append message to session %s: %w", m.SessionID, mapCreateErr(err))
	}
	return stored, nil
}

// ListMessages returns the session log ordered by sequence number.
func (s *NegotiationStore) ListMessages(ctx context.Context, sessionID string) ([]domain.NegotiationMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, content, seq, created_at
		FROM negotiation_messages
		WHERE session_id = $1
		ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var msgs []domain.NegotiationMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}
	return msgs, nil
}

const sessionSelectCols = `id, deal_id, stage, seller_chat_id, seller_sender_id, created_at, updated_at`

func scanSession(scanner interface{ Scan(dest ...any) error }) (domain.NegotiationSession, error) {
	var (
		sess  domain.NegotiationSession
		stage string
	)
	err := scanner.Scan(
		&sess.ID, &sess.DealID, &stage,
		&sess.SellerChatID, &sess.SellerSenderID,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return domain.NegotiationSession{}, err
	}
	sess.Stage = domain.NegotiationStage(stage)
	return sess, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (domain.NegotiationMessage, error) {
	var (
		m    domain.NegotiationMessage
		role string
	)
	err := scanner.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.Seq, &m.CreatedAt)
	if err != nil {
		return domain.NegotiationMessage{}, err
	}
	m.Role = domain.MessageRole(role)
	return m, nil
}

var _ domain.NegotiationStore = (*NegotiationStore)(nil)
