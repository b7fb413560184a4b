package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OmChillure/aigen/internal/auth"
	"github.com/OmChillure/aigen/internal/models"
)

type mockLLM struct {
	reply       string
	err         error
	instruction string
	calls       int
}

func (m *mockLLM) Complete(_ context.Context, instruction string, _ []models.Message) (models.Message, error) {
	m.calls++
	m.instruction = instruction
	if m.err != nil {
		return models.Message{}, m.err
	}
	return models.NewMessage(models.RoleAssistant, m.reply), nil
}

type memUsage struct {
	mu    sync.Mutex
	count map[string]int
	pro   map[string]bool
}

func newMemUsage() *memUsage {
	return &memUsage{count: map[string]int{}, pro: map[string]bool{}}
}

func (m *memUsage) Usage(_ context.Context, userID string) (models.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.Usage{Count: m.count[userID], Pro: m.pro[userID]}, nil
}

func (m *memUsage) Reserve(_ context.Context, userID string, limit int) (models.Usage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := models.Usage{Count: m.count[userID], Pro: m.pro[userID]}
	if u.Pro {
		return u, true, nil
	}
	if u.Exhausted(limit) {
		return u, false, nil
	}
	m.count[userID]++
	u.Count++
	return u, true, nil
}

func (m *memUsage) Release(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count[userID] > 0 {
		m.count[userID]--
	}
	return nil
}

func (m *memUsage) countOf(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count[userID]
}

// heldLLM answers only once release is closed, signalling started as each call begins.
type heldLLM struct {
	started chan struct{}
	release chan struct{}
	err     error
}

func (m *heldLLM) Complete(_ context.Context, _ string, _ []models.Message) (models.Message, error) {
	m.started <- struct{}{}
	<-m.release
	if m.err != nil {
		return models.Message{}, m.err
	}
	return models.NewMessage(models.RoleAssistant, "ok"), nil
}

func (m *memUsage) SetPro(_ context.Context, userID string, pro bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pro[userID] = pro
	return nil
}

func setupTestRouter(t *testing.T, llm LLM, usage UsageStore, opts Options) (*gin.Engine, auth.Session) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	authService, err := auth.NewService("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("failed to create auth service: %v", err)
	}
	sess, err := authService.Issue("alice")
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}

	handler := NewHandler(llm, usage, authService, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return handler.Engine(), sess
}

func TestCompletion(t *testing.T) {
	llm := &mockLLM{reply: "```js\nconsole.log(1)\n```"}
	router, sess := setupTestRouter(t, llm, newMemUsage(), Options{FreeLimit: 5})

	rec := httptest.NewRecorder()
	req := newJSONRequest(t, http.MethodPost, "/api/code", sess.Token, map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "log one"}},
	})
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var reply models.WireMessage
	decodeBody(t, rec.Body.Bytes(), &reply)
	if reply.Role != "assistant" || reply.Content != llm.reply {
		t.Fatalf("unexpected reply %+v", reply)
	}

	code, _ := models.FeatureBySlug(models.FeatureCode)
	if llm.instruction != code.Instruction {
		t.Fatalf("expected code instruction to be forwarded, got %q", llm.instruction)
	}
}

func TestCompletionRejections(t *testing.T) {
	validBody := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}

	tests := []struct {
		name       string
		token      string
		body       any
		wantStatus int
	}{
		{name: "No token", body: validBody, wantStatus: http.StatusUnauthorized},
		{name: "Bad token", token: "garbage", body: validBody, wantStatus: http.StatusUnauthorized},
		{name: "No messages", token: "valid", body: map[string]any{"messages": []any{}}, wantStatus: http.StatusBadRequest},
		{
			name:       "Bad role",
			token:      "valid",
			body:       map[string]any{"messages": []map[string]string{{"role": "system", "content": "x"}}},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &mockLLM{reply: "unused"}
			router, sess := setupTestRouter(t, llm, newMemUsage(), Options{})

			token := tt.token
			if token == "valid" {
				token = sess.Token
			}

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, newJSONRequest(t, http.MethodPost, "/api/conversation", token, tt.body))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if llm.calls != 0 {
				t.Fatalf("llm should not be called, got %d calls", llm.calls)
			}
		})
	}
}

func TestCompletionQuota(t *testing.T) {
	llm := &mockLLM{reply: "ok"}
	usage := newMemUsage()
	router, sess := setupTestRouter(t, llm, usage, Options{FreeLimit: 2})

	body := map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}}
	post := func() int {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, newJSONRequest(t, http.MethodPost, "/api/conversation", sess.Token, body))
		return rec.Code
	}

	for i := range 2 {
		if code := post(); code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, code)
		}
	}
	if code := post(); code != http.StatusForbidden {
		t.Fatalf("expected status 403 after the free limit, got %d", code)
	}
	if llm.calls != 2 {
		t.Fatalf("expected 2 llm calls, got %d", llm.calls)
	}

	_ = usage.SetPro(context.Background(), "alice", true)
	if code := post(); code != http.StatusOK {
		t.Fatalf("pro user: expected status 200, got %d", code)
	}
	if usage.count["alice"] != 2 {
		t.Fatalf("pro generations must not be counted, got %d", usage.count["alice"])
	}
}

func TestCompletionProviderFailureIsNotCounted(t *testing.T) {
	usage := newMemUsage()
	router, sess := setupTestRouter(t, &mockLLM{err: errors.New("provider down")}, usage, Options{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, newJSONRequest(t, http.MethodPost, "/api/code", sess.Token, map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	if usage.count["alice"] != 0 {
		t.Fatalf("failed generations must not be counted, got %d", usage.count["alice"])
	}
}

func TestCompletionQuotaUnderConcurrency(t *testing.T) {
	llm := &heldLLM{started: make(chan struct{}, 3), release: make(chan struct{})}
	usage := newMemUsage()
	router, sess := setupTestRouter(t, llm, usage, Options{FreeLimit: 1})

	body := map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}}
	codes := make(chan int, 3)
	for range 3 {
		go func() {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, newJSONRequest(t, http.MethodPost, "/api/conversation", sess.Token, body))
			codes <- rec.Code
		}()
	}

	// Only one request may reach the model; the others are refused while it is still running.
	for i := range 2 {
		select {
		case code := <-codes:
			if code != http.StatusForbidden {
				t.Fatalf("request %d: expected status 403, got %d", i, code)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent requests past the free limit should be refused without waiting for the model")
		}
	}

	close(llm.release)
	if code := <-codes; code != http.StatusOK {
		t.Fatalf("expected the reserved request to succeed, got %d", code)
	}
	if len(llm.started) != 1 {
		t.Fatalf("expected 1 model call, got %d", len(llm.started))
	}
	if got := usage.countOf("alice"); got != 1 {
		t.Fatalf("expected usage 1, got %d", got)
	}
}

func TestCompletionCancelledIsRefunded(t *testing.T) {
	llm := &heldLLM{started: make(chan struct{}, 1), release: make(chan struct{}), err: context.Canceled}
	usage := newMemUsage()
	router, sess := setupTestRouter(t, llm, usage, Options{FreeLimit: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, newJSONRequest(t, http.MethodPost, "/api/code", sess.Token, map[string]any{
			"messages": []map[string]string{{"role": "user", "content": "hi"}},
		}))
	}()

	<-llm.started
	if got := usage.countOf("alice"); got != 1 {
		t.Fatalf("expected the generation to be reserved while running, got %d", got)
	}
	close(llm.release)
	<-done

	if got := usage.countOf("alice"); got != 0 {
		t.Fatalf("cancelled generations must be refunded, got %d", got)
	}
}

func TestRateLimit(t *testing.T) {
	router, sess := setupTestRouter(t, &mockLLM{reply: "ok"}, newMemUsage(),
		Options{FreeLimit: 10, RatePerSecond: 0.001, Burst: 1})

	body := map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, newJSONRequest(t, http.MethodPost, "/api/conversation", sess.Token, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, newJSONRequest(t, http.MethodPost, "/api/conversation", sess.Token, body))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rec.Code)
	}
}

func TestUsage(t *testing.T) {
	usage := newMemUsage()
	usage.count["alice"] = 3
	router, sess := setupTestRouter(t, &mockLLM{}, usage, Options{FreeLimit: 5})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, newJSONRequest(t, http.MethodGet, "/api/usage", sess.Token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp map[string]any
	decodeBody(t, rec.Body.Bytes(), &resp)
	if resp["count"] != float64(3) || resp["limit"] != float64(5) || resp["pro"] != false {
		t.Fatalf("unexpected usage response %v", resp)
	}
}

func newJSONRequest(t *testing.T, method, path, token string, body any) *http.Request {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
	}

	req, err := http.NewRequest(method, path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeBody(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}
