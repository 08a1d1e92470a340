package insight

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/leadforge/dealbot/internal/domain"
)

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    domain.Verdict
		wantErr bool
	}{
		{"respond", `{"action":"respond","message":"Какое состояние?","insight":""}`, domain.VerdictContinue, false},
		{"warm", `{"action":"warm","message":"","insight":"seller agrees to 95000"}`, domain.VerdictWarm, false},
		{"close", `{"action":"close","insight":"sold elsewhere"}`, domain.VerdictLost, false},
		{"fenced", "```json\n{\"action\":\"warm\",\"insight\":\"ok\"}\n```", domain.VerdictWarm, false},
		{"unknown action", `{"action":"escalate"}`, "", true},
		{"not json", `I think the seller is interested.`, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseVerdict(tc.content)
			if tc.wantErr {
				if !errors.Is(err, domain.ErrAdapterUnavailable) {
					t.Fatalf("err = %v, want ErrAdapterUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseVerdict: %v", err)
			}
			if got.Verdict != tc.want {
				t.Errorf("verdict = %s, want %s", got.Verdict, tc.want)
			}
		})
	}
}

func TestOpenAIAdapterEvaluate(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"content":"{\"action\":\"warm\",\"insight\":\"ready to close at 95000\"}"}}]}`)
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(srv.URL, "test-key", "gpt-4o-mini", slog.New(slog.NewTextHandler(io.Discard, nil)))
	got, err := a.Evaluate(context.Background(), domain.EvalRequest{
		Stage:   domain.StageNegotiating,
		History: history("готов за 95000"),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got.Verdict != domain.VerdictWarm || got.Insight != "ready to close at 95000" {
		t.Errorf("judgment = %+v, want warm with insight", got)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("authorization = %q, want bearer key", gotAuth)
	}
}

func TestOpenAIAdapterServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded","type":"server_error"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(srv.URL, "test-key", "gpt-4o-mini", slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := a.Evaluate(context.Background(), domain.EvalRequest{History: history("привет")})
	if !errors.Is(err, domain.ErrAdapterUnavailable) {
		t.Fatalf("err = %v, want ErrAdapterUnavailable", err)
	}
}
