package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leadforge/dealbot/internal/domain"
	"github.com/leadforge/dealbot/internal/lifecycle"
	"github.com/leadforge/dealbot/internal/store/memory"
)

type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakePutter() *fakePutter {
	return &fakePutter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (p *fakePutter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[path] = b
	p.types[path] = contentType
	return nil
}

func (p *fakePutter) get(path string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.objects[path]
	return b, ok
}

func newTestArchiver(t *testing.T) (*Archiver, *fakePutter, *memory.DealStore, *memory.NegotiationStore) {
	t.Helper()
	putter := newFakePutter()
	deals := memory.NewDealStore()
	sessions := memory.NewNegotiationStore()
	audit := memory.NewAuditStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewArchiver(putter, deals, sessions, audit, logger), putter, deals, sessions
}

func seedClosedDeal(t *testing.T, deals *memory.DealStore, sessions *memory.NegotiationStore) domain.Deal {
	t.Helper()
	ctx := context.Background()
	deal := domain.Deal{
		ID:         "deal-1",
		Product:    "iphone 15 pro",
		ProductKey: "iphone 15 pro",
		BuyPrice:   decimal.NewFromInt(95000),
		SellPrice:  decimal.NewFromInt(105000),
		Margin:     decimal.NewFromInt(10000),
		Status:     domain.DealStatusLost,
		Resolution: "seller declined",
	}
	if err := deals.Create(ctx, deal); err != nil {
		t.Fatalf("create deal: %v", err)
	}
	sess, err := sessions.CreateSession(ctx, domain.NegotiationSession{
		DealID:         deal.ID,
		Stage:          domain.StageClosed,
		SellerChatID:   100,
		SellerSenderID: 200,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, m := range []struct {
		role domain.MessageRole
		text string
	}{
		{domain.RoleAssistant, "Здравствуйте! Продаёте iphone 15 pro?"},
		{domain.RoleCounterparty, "не актуально"},
	} {
		if _, err := sessions.AppendMessage(ctx, domain.NegotiationMessage{
			SessionID: sess.ID,
			Role:      m.role,
			Content:   m.text,
		}); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}
	return deal
}

func TestArchiveDealWritesJSONLTranscript(t *testing.T) {
	arch, putter, deals, sessions := newTestArchiver(t)
	deal := seedClosedDeal(t, deals, sessions)

	key, err := arch.ArchiveDeal(context.Background(), deal.ID)
	if err != nil {
		t.Fatalf("ArchiveDeal: %v", err)
	}
	if !strings.HasPrefix(key, "transcripts/") || !strings.HasSuffix(key, deal.ID+".jsonl") {
		t.Fatalf("unexpected key %q", key)
	}

	body, ok := putter.get(key)
	if !ok {
		t.Fatalf("object %q not uploaded", key)
	}
	if got := putter.types[key]; got != "application/x-ndjson" {
		t.Fatalf("content type = %q, want application/x-ndjson", got)
	}

	sc := bufio.NewScanner(bytes.NewReader(body))
	if !sc.Scan() {
		t.Fatalf("transcript is empty")
	}
	var header transcriptHeader
	if err := json.Unmarshal(sc.Bytes(), &header); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if header.DealID != deal.ID || header.Status != "lost" || header.Margin != "10000" {
		t.Fatalf("unexpected header %+v", header)
	}

	var lines []transcriptLine
	for sc.Scan() {
		var line transcriptLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d message lines, want 2", len(lines))
	}
	if lines[0].Role != "assistant" || lines[1].Role != "counterparty" {
		t.Fatalf("unexpected roles %q, %q", lines[0].Role, lines[1].Role)
	}
	if lines[0].Seq >= lines[1].Seq {
		t.Fatalf("messages out of order: %d then %d", lines[0].Seq, lines[1].Seq)
	}
}

func TestArchiveDealWithoutSessionIsNoop(t *testing.T) {
	arch, putter, deals, _ := newTestArchiver(t)
	if err := deals.Create(context.Background(), domain.Deal{
		ID:     "deal-bare",
		Status: domain.DealStatusLost,
	}); err != nil {
		t.Fatalf("create deal: %v", err)
	}

	key, err := arch.ArchiveDeal(context.Background(), "deal-bare")
	if err != nil {
		t.Fatalf("ArchiveDeal: %v", err)
	}
	if key != "" {
		t.Fatalf("expected empty key, got %q", key)
	}
	if len(putter.objects) != 0 {
		t.Fatalf("expected no uploads, got %d", len(putter.objects))
	}
}

func TestArchiveDealUnknownDeal(t *testing.T) {
	arch, _, _, _ := newTestArchiver(t)
	if _, err := arch.ArchiveDeal(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown deal")
	}
}

func TestRunArchivesOnTerminalEvent(t *testing.T) {
	arch, putter, deals, sessions := newTestArchiver(t)
	deal := seedClosedDeal(t, deals, sessions)

	bus := memory.NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		arch.Run(ctx, bus)
	}()

	// The bus drops events published before Run's Subscribe registers;
	// give the goroutine time to reach it.
	time.Sleep(50 * time.Millisecond)

	// Non-terminal transition must not trigger an upload.
	publish := func(to domain.DealStatus) {
		payload, err := json.Marshal(domain.DealEvent{
			Type:   domain.EventStatusChanged,
			DealID: deal.ID,
			To:     to,
			At:     time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("marshal event: %v", err)
		}
		if err := bus.Publish(ctx, lifecycle.EventChannel, payload); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	publish(domain.DealStatusWarm)
	publish(domain.DealStatusLost)

	deadline := time.Now().Add(2 * time.Second)
	for {
		putter.mu.Lock()
		n := len(putter.objects)
		putter.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 archived object, have %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}
