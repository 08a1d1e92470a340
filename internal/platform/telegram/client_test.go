package telegram

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendPostsMessage(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&body)
		io.WriteString(w, `{"ok":true,"result":{}}`)
	}))
	defer srv.Close()

	c := New(Config{Token: "tkn", BaseURL: srv.URL, SendInterval: time.Millisecond}, discardLogger())
	if err := c.Send(context.Background(), 42, 7, "привет"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/bottkn/sendMessage" {
		t.Errorf("path = %q, want /bottkn/sendMessage", path)
	}
	if body["text"] != "привет" || body["chat_id"] != float64(42) {
		t.Errorf("payload = %v", body)
	}
}

func TestSendSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false,"description":"chat not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{Token: "tkn", BaseURL: srv.URL, SendInterval: time.Millisecond}, discardLogger())
	if err := c.Send(context.Background(), 42, 7, "hi"); err == nil {
		t.Fatal("Send succeeded on a 400 response")
	}
}

func TestSendPacesPerChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ok":true,"result":{}}`)
	}))
	defer srv.Close()

	interval := 40 * time.Millisecond
	c := New(Config{Token: "tkn", BaseURL: srv.URL, SendInterval: interval}, discardLogger())

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := c.Send(context.Background(), 42, 7, "msg"); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 2*interval {
		t.Errorf("three sends to one chat took %v, want at least %v of pacing", elapsed, 2*interval)
	}

	// A different chat is not held back by the first chat's pacing.
	start = time.Now()
	if err := c.Send(context.Background(), 43, 7, "msg"); err != nil {
		t.Fatalf("Send to second chat: %v", err)
	}
	if elapsed := time.Since(start); elapsed > interval {
		t.Errorf("send to a fresh chat took %v, pacing leaked across chats", elapsed)
	}
}

func TestRunDispatchesUpdates(t *testing.T) {
	var polls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n == 1 {
			io.WriteString(w, `{"ok":true,"result":[
				{"update_id":10,"message":{"text":"первое","chat":{"id":100},"from":{"id":200}}},
				{"update_id":11,"message":{"text":"skip me","chat":{"id":100},"from":{"id":300,"is_bot":true}}},
				{"update_id":12,"message":{"text":"второе","chat":{"id":100},"from":{"id":200}}}
			]}`)
			return
		}
		if r.URL.Query().Get("offset") != "13" {
			t.Errorf("offset = %q, want 13 after consuming update 12", r.URL.Query().Get("offset"))
		}
		io.WriteString(w, `{"ok":true,"result":[]}`)
	}))
	defer srv.Close()

	c := New(Config{Token: "tkn", BaseURL: srv.URL, PollTimeout: time.Second}, discardLogger())

	var got []string
	received := make(chan struct{}, 8)
	c.SetIncomingHandler(func(chatID, senderID int64, text string) {
		mu.Lock()
		got = append(got, text)
		mu.Unlock()
		received <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatched updates")
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "первое" || got[1] != "второе" {
		t.Fatalf("dispatched = %v, want the two human messages in order", got)
	}
}
