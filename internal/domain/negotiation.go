package domain

import "time"

// NegotiationStage tracks conversational progress inside a session. It is a
// separate state machine from DealStatus; the lifecycle package owns the
// mapping between the two.
type NegotiationStage string

const (
	StageInitial     NegotiationStage = "initial"     // opening message sent, no reply yet
	StageContacted   NegotiationStage = "contacted"   // seller replied once
	StageNegotiating NegotiationStage = "negotiating" // active back-and-forth
	StageWarm        NegotiationStage = "warm"        // seller interested
	StageHanded      NegotiationStage = "handed_to_manager"
	StageClosed      NegotiationStage = "closed"
)

// MessageRole identifies who produced a negotiation message.
type MessageRole string

const (
	RoleAssistant    MessageRole = "assistant"    // the autonomous negotiator
	RoleCounterparty MessageRole = "counterparty" // the seller
)

// NegotiationSession is the conversational state bound one-to-one with a
// deal. At most one session actively sends or receives for a given deal.
type NegotiationSession struct {
	ID             string
	DealID         string
	Stage          NegotiationStage
	SellerChatID   int64
	SellerSenderID int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NegotiationMessage is one turn in a session's conversation. The log is
// append-only; ordering is by Seq, which is monotonic per session and breaks
// timestamp ties by insertion order.
type NegotiationMessage struct {
	ID        string
	SessionID string
	Role      MessageRole
	Content   string
	Seq       int64
	CreatedAt time.Time
}
