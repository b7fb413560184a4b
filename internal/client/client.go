package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/OmChillure/aigen/internal/models"
)

// ErrQuotaExceeded is returned when the proxy answers 403, meaning the user has used up the free tier.
var ErrQuotaExceeded = errors.New("usage limit reached")

// StatusError is returned for every other non-2xx answer from the proxy.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("proxy returned status %d: %s", e.Code, e.Body)
}

// Proxy posts transcripts to the backend proxy and returns the generated reply.
type Proxy struct {
	baseURL string
	client  *http.Client

	logger *slog.Logger
}

type completionRequest struct {
	Messages []models.WireMessage `json:"messages"`
}

const maxErrorBody = 4 << 10

// NewProxy creates a Proxy for the proxy located at baseURL. The timeout bounds each completion request;
// zero means no timeout.
func NewProxy(baseURL string, timeout time.Duration, logger *slog.Logger) Proxy {
	return Proxy{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("module", "proxy-client")),
	}
}

// Complete posts messages to endpoint and decodes the single message object the proxy answers with. The
// token, when not empty, is forwarded as a bearer token so the proxy can identify the user.
func (p Proxy) Complete(ctx context.Context, endpoint, token string, messages []models.Message) (models.Message, error) {
	body, err := json.Marshal(completionRequest{Messages: models.WireMessages(messages)})
	if err != nil {
		return models.Message{}, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return models.Message{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return models.Message{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return models.Message{}, ErrQuotaExceeded
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return models.Message{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var reply models.WireMessage
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return models.Message{}, fmt.Errorf("error decoding response: %w", err)
	}
	if reply.Role == "" {
		reply.Role = string(models.RoleAssistant)
	}

	p.logger.Debug("Completion received",
		slog.String("endpoint", endpoint),
		slog.Int("messages", len(messages)),
		slog.Int("replyLength", len(reply.Content)))

	return models.FromWire(reply), nil
}

type usageResponse struct {
	Count int  `json:"count"`
	Limit int  `json:"limit"`
	Pro   bool `json:"pro"`
}

// Usage asks the proxy how many free generations the token's user has made and what the limit is.
func (p Proxy) Usage(ctx context.Context, token string) (models.Usage, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/usage", nil)
	if err != nil {
		return models.Usage{}, 0, fmt.Errorf("error creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return models.Usage{}, 0, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return models.Usage{}, 0, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var u usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return models.Usage{}, 0, fmt.Errorf("error decoding response: %w", err)
	}

	return models.Usage{Count: u.Count, Pro: u.Pro}, u.Limit, nil
}
