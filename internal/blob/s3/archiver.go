package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/leadforge/dealbot/internal/domain"
	"github.com/leadforge/dealbot/internal/lifecycle"
)

// Putter uploads a single object. Satisfied by *Writer.
type Putter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver uploads finished negotiation transcripts to object storage as
// JSONL, one file per deal. The primary store keeps the transcript too;
// the archive is the long-term record that survives database retention.
type Archiver struct {
	writer   Putter
	deals    domain.DealStore
	sessions domain.NegotiationStore
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewArchiver creates an Archiver. The audit store may be nil.
func NewArchiver(writer Putter, deals domain.DealStore, sessions domain.NegotiationStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:   writer,
		deals:    deals,
		sessions: sessions,
		audit:    audit,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

// transcriptHeader is the first JSONL line: the deal summary.
type transcriptHeader struct {
	DealID     string `json:"deal_id"`
	Product    string `json:"product"`
	BuyPrice   string `json:"buy_price"`
	SellPrice  string `json:"sell_price"`
	Margin     string `json:"margin"`
	Status     string `json:"status"`
	Resolution string `json:"resolution,omitempty"`
	Insight    string `json:"insight,omitempty"`
	ManagerID  string `json:"manager_id,omitempty"`
	ArchivedAt string `json:"archived_at"`
}

// transcriptLine is one conversation turn.
type transcriptLine struct {
	Seq     int64  `json:"seq"`
	Role    string `json:"role"`
	Content string `json:"content"`
	At      string `json:"at"`
}

// ArchiveDeal uploads the transcript for one deal and returns the object
// key. A deal that never had a session archives nothing and returns an
// empty key with a nil error.
func (a *Archiver) ArchiveDeal(ctx context.Context, dealID string) (string, error) {
	deal, err := a.deals.GetByID(ctx, dealID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive deal %s: %w", dealID, err)
	}
	sess, err := a.sessions.GetSessionByDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("s3blob: archive deal %s session: %w", dealID, err)
	}
	msgs, err := a.sessions.ListMessages(ctx, sess.ID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive deal %s messages: %w", dealID, err)
	}

	now := time.Now().UTC()
	buf, err := a.marshalTranscript(deal, msgs, now)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive deal %s marshal: %w", dealID, err)
	}

	key := transcriptKey(deal.ID, now)
	if err := a.writer.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive deal %s upload: %w", dealID, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.transcript", map[string]any{
			"deal_id":  deal.ID,
			"path":     key,
			"messages": len(msgs),
		}); err != nil {
			a.logger.WarnContext(ctx, "audit log failed",
				slog.String("deal_id", deal.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	a.logger.InfoContext(ctx, "transcript archived",
		slog.String("deal_id", deal.ID),
		slog.String("path", key),
		slog.Int("messages", len(msgs)),
	)
	return key, nil
}

func (a *Archiver) marshalTranscript(deal domain.Deal, msgs []domain.NegotiationMessage, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	header := transcriptHeader{
		DealID:     deal.ID,
		Product:    deal.Product,
		BuyPrice:   deal.BuyPrice.String(),
		SellPrice:  deal.SellPrice.String(),
		Margin:     deal.Margin.String(),
		Status:     string(deal.Status),
		Resolution: deal.Resolution,
		Insight:    deal.Insight,
		ManagerID:  deal.ManagerID,
		ArchivedAt: now.Format(time.RFC3339),
	}
	if err := enc.Encode(header); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		line := transcriptLine{
			Seq:     m.Seq,
			Role:    string(m.Role),
			Content: m.Content,
			At:      m.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := enc.Encode(line); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// transcriptKey builds the object key, partitioned by archive date.
//
//	transcripts/2026/08/28/<deal-id>.jsonl
func transcriptKey(dealID string, at time.Time) string {
	return fmt.Sprintf("transcripts/%s/%s.jsonl", at.Format("2006/01/02"), dealID)
}

// Run subscribes to deal events and archives each deal as it reaches a
// terminal status. Archive failures are logged and skipped; the transcript
// stays in the primary store either way.
func (a *Archiver) Run(ctx context.Context, bus domain.EventBus) error {
	events, err := bus.Subscribe(ctx, lifecycle.EventChannel)
	if err != nil {
		return fmt.Errorf("s3blob: subscribe deal events: %w", err)
	}
	a.logger.InfoContext(ctx, "archiver started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			var ev domain.DealEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				a.logger.WarnContext(ctx, "bad event payload", slog.String("error", err.Error()))
				continue
			}
			if !ev.To.Terminal() {
				continue
			}
			if _, err := a.ArchiveDeal(ctx, ev.DealID); err != nil {
				a.logger.ErrorContext(ctx, "archive failed",
					slog.String("deal_id", ev.DealID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
