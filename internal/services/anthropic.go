package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/OmChillure/aigen/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic API for large language model interactions. It implements
// the LLM interface on top of the streaming Messages API, collecting the deltas into a single reply.
type Anthropic struct {
	apiKey       string
	endpoint     string
	model        string
	systemPrompt string
	maxTokens    int

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
)

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, and maximum
// token limit. An empty endpoint targets the public API.
func NewAnthropic(apiKey, endpoint, model, systemPrompt string, maxTokens int, logger *slog.Logger) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	return Anthropic{
		apiKey:       apiKey,
		endpoint:     strings.TrimRight(endpoint, "/"),
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// Complete streams a reply from the Anthropic API and returns it once the stream stops. The context can
// be used to cancel the request.
func (a Anthropic) Complete(ctx context.Context, instruction string, messages []models.Message) (models.Message, error) {
	msgs := make([]anthropicMessage, len(messages))
	for i, msg := range messages {
		msgs[i] = anthropicMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	reqBody := anthropicChatRequest{
		Model:     a.model,
		Messages:  msgs,
		Stream:    true,
		System:    systemPrompt(a.systemPrompt, instruction),
		MaxTokens: a.maxTokens,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return models.Message{}, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return models.Message{}, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return models.Message{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return models.Message{}, fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, body)
	}

	var sb strings.Builder
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return models.Message{}, fmt.Errorf("error reading response: %w", err)
		}
		switch ev.Type {
		case "error":
			var e anthropicError
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				return models.Message{}, fmt.Errorf("error unmarshaling error: %w", err)
			}
			return models.Message{}, fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message)
		case "message_stop":
			return assistantReply(sb.String()), nil
		case "content_block_delta":
			var res anthropicStreamResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				return models.Message{}, fmt.Errorf("error unmarshaling response: %w", err)
			}
			sb.WriteString(res.Delta.Text)
		default:
			continue
		}
	}

	a.logger.Warn("Stream ended without message_stop", slog.Int("length", sb.Len()))
	return assistantReply(sb.String()), nil
}
