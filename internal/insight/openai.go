package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/leadforge/dealbot/internal/domain"
)

const systemPrompt = `Ты ассистент перекупщика. Ты ведёшь переписку с продавцом товара
от лица заинтересованного покупателя. Твоя цель: подтвердить наличие товара,
уточнить состояние и согласовать цену не выше указанной.

Ответь строго одним JSON-объектом без пояснений:
{"action": "respond" | "warm" | "close", "message": "текст ответа продавцу", "insight": "краткая сводка для менеджера"}

action=respond: продолжай переписку, message обязателен.
action=warm: продавец готов к сделке, заполни insight и передай менеджеру.
action=close: продавец отказался или товар продан, заполни insight.`

// OpenAIAdapter judges negotiations with an OpenAI chat-completion model.
// The model is instructed to answer with a single JSON object; anything else
// is treated as an adapter outage so the engine fails open.
type OpenAIAdapter struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIAdapter creates an adapter against the given API root, e.g.
// "https://api.openai.com/v1".
func NewOpenAIAdapter(baseURL, apiKey, model string, logger *slog.Logger) *OpenAIAdapter {
	return &OpenAIAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger.With(slog.String("component", "openai")),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// verdictPayload is the JSON contract the model is prompted to honor.
type verdictPayload struct {
	Action  string `json:"action"`
	Message string `json:"message"`
	Insight string `json:"insight"`
}

// Evaluate sends the conversation to the model and parses its structured
// verdict. Transport failures, non-2xx responses and unparseable payloads all
// surface as domain.ErrAdapterUnavailable.
func (a *OpenAIAdapter) Evaluate(ctx context.Context, req domain.EvalRequest) (domain.Judgment, error) {
	messages := a.buildMessages(req)

	body, err := json.Marshal(chatRequest{
		Model:          a.model,
		Messages:       messages,
		Temperature:    0.3,
		ResponseFormat: json.RawMessage(`{"type":"json_object"}`),
	})
	if err != nil {
		return domain.Judgment{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.Judgment{}, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return domain.Judgment{}, fmt.Errorf("openai: %v: %w", err, domain.ErrAdapterUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Judgment{}, fmt.Errorf("openai: read response: %w", domain.ErrAdapterUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		a.logger.WarnContext(ctx, "api error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncate(string(respBody), 256)),
		)
		return domain.Judgment{}, fmt.Errorf("openai: status %d: %w", resp.StatusCode, domain.ErrAdapterUnavailable)
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return domain.Judgment{}, fmt.Errorf("openai: decode response: %w", domain.ErrAdapterUnavailable)
	}
	if chat.Error != nil {
		return domain.Judgment{}, fmt.Errorf("openai: %s: %w", chat.Error.Message, domain.ErrAdapterUnavailable)
	}
	if len(chat.Choices) == 0 {
		return domain.Judgment{}, fmt.Errorf("openai: empty choices: %w", domain.ErrAdapterUnavailable)
	}

	return parseVerdict(chat.Choices[0].Message.Content)
}

func (a *OpenAIAdapter) buildMessages(req domain.EvalRequest) []chatMessage {
	messages := make([]chatMessage, 0, len(req.History)+2)
	messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	messages = append(messages, chatMessage{
		Role: "system",
		Content: fmt.Sprintf("Товар: %s. Цена продавца: %s. Максимальная цена покупки: %s. Стадия: %s.",
			req.Deal.Product, req.Deal.SellPrice, req.Deal.BuyPrice, req.Stage),
	})
	for _, m := range req.History {
		role := "assistant"
		if m.Role == domain.RoleCounterparty {
			role = "user"
		}
		messages = append(messages, chatMessage{Role: role, Content: m.Content})
	}
	return messages
}

// parseVerdict decodes the model's JSON answer, tolerating a markdown code
// fence around it.
func parseVerdict(content string) (domain.Judgment, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var payload verdictPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &payload); err != nil {
		return domain.Judgment{}, fmt.Errorf("openai: malformed verdict %q: %w", truncate(content, 128), domain.ErrAdapterUnavailable)
	}

	switch payload.Action {
	case "respond":
		return domain.Judgment{Verdict: domain.VerdictContinue, Reply: payload.Message, Insight: payload.Insight}, nil
	case "warm":
		return domain.Judgment{Verdict: domain.VerdictWarm, Insight: payload.Insight}, nil
	case "close":
		return domain.Judgment{Verdict: domain.VerdictLost, Insight: payload.Insight}, nil
	default:
		return domain.Judgment{}, fmt.Errorf("openai: unknown action %q: %w", payload.Action, domain.ErrAdapterUnavailable)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ domain.ConversationAdapter = (*OpenAIAdapter)(nil)
