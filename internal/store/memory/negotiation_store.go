package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadforge/dealbot/internal/domain"
)

type counterpartyKey struct {
	chatID   int64
	senderID int64
}

// NegotiationStore implements domain.NegotiationStore in memory.
type NegotiationStore struct {
	mu             sync.RWMutex
	sessions       map[string]domain.NegotiationSession
	byDeal         map[string]string
	byCounterparty map[counterpartyKey]string
	messages       map[string][]domain.NegotiationMessage
	seq            map[string]int64
}

// NewNegotiationStore creates an empty NegotiationStore.
func NewNegotiationStore() *NegotiationStore {
	return &NegotiationStore{
		sessions:       make(map[string]domain.NegotiationSession),
		byDeal:         make(map[string]string),
		byCounterparty: make(map[counterpartyKey]string),
		messages:       make(map[string][]domain.NegotiationMessage),
		seq:            make(map[string]int64),
	}
}

// CreateSession inserts a session, enforcing one per deal.
func (s *NegotiationStore) CreateSession(ctx context.Context, sess domain.NegotiationSession) (domain.NegotiationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byDeal[sess.DealID]; ok {
		return domain.NegotiationSession{}, domain.ErrAlreadyExists
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	s.sessions[sess.ID] = sess
	s.byDeal[sess.DealID] = sess.ID
	s.byCounterparty[counterpartyKey{sess.SellerChatID, sess.SellerSenderID}] = sess.ID
	return sess, nil
}

// GetSessionByDeal returns the session bound to the given deal.
func (s *NegotiationStore) GetSessionByDeal(ctx context.Context, dealID string) (domain.NegotiationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDeal[dealID]
	if !ok {
		return domain.NegotiationSession{}, domain.ErrNotFound
	}
	return s.sessions[id], nil
}

// GetSessionByCounterparty returns the session talking to the given
// chat/sender pair.
func (s *NegotiationStore) GetSessionByCounterparty(ctx context.Context, chatID, senderID int64) (domain.NegotiationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCounterparty[counterpartyKey{chatID, senderID}]
	if !ok {
		return domain.NegotiationSession{}, domain.ErrNotFound
	}
	return s.sessions[id], nil
}

// UpdateStage sets the session stage.
func (s *NegotiationStore) UpdateStage(ctx context.Context, sessionID string, stage domain.NegotiationStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	sess.Stage = stage
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = sess
	return nil
}

// AppendMessage stores a message with the next per-session sequence number.
func (s *NegotiationStore) AppendMessage(ctx context.Context, m domain.NegotiationMessage) (domain.NegotiationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[m.SessionID]; !ok {
		return domain.NegotiationMessage{}, domain.ErrNotFound
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.seq[m.SessionID]++
	m.Seq = s.seq[m.SessionID]
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return m, nil
}

// ListMessages returns the session log in sequence order.
func (s *NegotiationStore) ListMessages(ctx context.Context, sessionID string) ([]domain.NegotiationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	out := make([]domain.NegotiationMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

var _ domain.NegotiationStore = (*NegotiationStore)(nil)
