// Package insight implements the conversation adapters that judge where a
// negotiation stands. Two implementations exist: a deterministic keyword
// classifier used as the offline default, and an OpenAI-backed adapter for
// production.
package insight

import (
	"context"
	"fmt"
	"strings"

	"github.com/leadforge/dealbot/internal/domain"
)

// Keyword classification tables. Negative markers dominate: a message that
// says "уже продал, но есть другой" still ends the negotiation for this deal.
var (
	negativeMarkers = []string{
		"продал", "продано", "уже нет", "не актуально", "неактуально",
		"передумал", "не продаю", "sold", "not available",
	}
	positiveMarkers = []string{
		"да, актуально", "актуально", "готов", "договорились", "согласен",
		"забирайте", "когда удобно", "deal", "agreed",
	}
	priceMarkers = []string{
		"цена", "сколько", "торг", "скидк", "дешевле", "дорого", "price",
	}
)

// KeywordAdapter is a deterministic, dependency-free conversation judge. It
// classifies the latest counterparty message by marker tables and drafts
// canned replies.
type KeywordAdapter struct{}

// NewKeywordAdapter creates a KeywordAdapter.
func NewKeywordAdapter() *KeywordAdapter {
	return &KeywordAdapter{}
}

// Evaluate classifies the most recent counterparty message.
func (a *KeywordAdapter) Evaluate(ctx context.Context, req domain.EvalRequest) (domain.Judgment, error) {
	last, ok := lastCounterparty(req.History)
	if !ok {
		return domain.Judgment{Verdict: domain.VerdictContinue}, nil
	}
	lower := strings.ToLower(last.Content)

	switch {
	case matchAny(lower, negativeMarkers):
		return domain.Judgment{
			Verdict: domain.VerdictLost,
			Insight: "seller declined or item no longer available",
		}, nil
	case matchAny(lower, positiveMarkers):
		return domain.Judgment{
			Verdict: domain.VerdictWarm,
			Insight: fmt.Sprintf("seller confirmed interest: %q", last.Content),
		}, nil
	case matchAny(lower, priceMarkers):
		return domain.Judgment{
			Verdict: domain.VerdictContinue,
			Reply:   "Готов обсудить цену. Какая сумма вас устроит при быстрой сделке?",
		}, nil
	default:
		return domain.Judgment{
			Verdict: domain.VerdictContinue,
			Reply:   "Подскажите, товар ещё в продаже? Готов забрать в ближайшее время.",
		}, nil
	}
}

func lastCounterparty(history []domain.NegotiationMessage) (domain.NegotiationMessage, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleCounterparty {
			return history[i], true
		}
	}
	return domain.NegotiationMessage{}, false
}

func matchAny(lower string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

var _ domain.ConversationAdapter = (*KeywordAdapter)(nil)
