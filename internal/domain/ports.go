package domain

import (
	"context"
	"time"
)

// Transport delivers text to counterparties and surfaces inbound replies.
// Implementations are expected to be safe for concurrent Send calls.
type Transport interface {
	// Send delivers text to the given chat/sender. A nil error means the
	// message was accepted by the platform.
	Send(ctx context.Context, chatID, senderID int64, text string) error
	// SetIncomingHandler registers the callback invoked for every inbound
	// counterparty message. Must be called before the transport starts
	// receiving.
	SetIncomingHandler(fn func(chatID, senderID int64, text string))
}

// Verdict is the adapter's judgment about where a conversation stands.
type Verdict string

const (
	VerdictContinue Verdict = "continue" // keep negotiating autonomously
	VerdictWarm     Verdict = "warm"     // seller interested, hand to a human
	VerdictLost     Verdict = "lost"     // seller declined or item gone
)

// EvalRequest carries the full conversation context for one adapter call.
type EvalRequest struct {
	Deal    Deal
	Stage   NegotiationStage
	History []NegotiationMessage
}

// Judgment is the adapter's structured answer: a verdict, an optional
// candidate reply (only meaningful for VerdictContinue), and free-text
// insight recorded on the deal.
type Judgment struct {
	Verdict Verdict
	Reply   string
	Insight string
}

// ConversationAdapter is the external oracle that classifies negotiation
// progress and drafts replies. The engine treats it as non-deterministic and
// possibly unavailable; transient failures return ErrAdapterUnavailable.
type ConversationAdapter interface {
	Evaluate(ctx context.Context, req EvalRequest) (Judgment, error)
}

// Lease is a held lock. The holder must call Refresh before the TTL lapses
// to keep exclusivity for long-lived work; Release frees the lock. Both are
// token-guarded, so a stale holder can never touch a lock acquired by
// someone else.
type Lease interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release()
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// EventBus provides fire-and-forget pub/sub fan-out of deal events.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
