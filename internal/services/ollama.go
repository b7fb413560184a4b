package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/OmChillure/aigen/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model, systemPrompt string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

// Complete implements the LLM interface by asking the Ollama model for a single, non-streamed reply.
func (o Ollama) Complete(ctx context.Context, instruction string, messages []models.Message) (models.Message, error) {
	msgs := make([]api.Message, 0, len(messages)+1)
	if sp := systemPrompt(o.systemPrompt, instruction); sp != "" {
		msgs = append(msgs, api.Message{
			Role:    string(models.RoleSystem),
			Content: sp,
		})
	}
	for _, msg := range messages {
		msgs = append(msgs, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	f := false
	req := api.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   &f,
	}

	var sb strings.Builder
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		sb.WriteString(res.Message.Content)
		return nil
	}); err != nil {
		return models.Message{}, fmt.Errorf("error sending request: %w", err)
	}

	o.logger.Debug("Reply", slog.String("host", o.host), slog.Int("length", sb.Len()))

	return assistantReply(sb.String()), nil
}
