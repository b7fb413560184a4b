package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/OmChillure/aigen/internal/client"
	"github.com/OmChillure/aigen/internal/models"
)

func TestProxyComplete(t *testing.T) {
	var gotBody struct {
		Messages []models.WireMessage `json:"messages"`
	}
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/code" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(models.WireMessage{Role: "assistant", Content: "func main() {}"})
	}))
	defer srv.Close()

	p := client.NewProxy(srv.URL+"/", time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	msgs := []models.Message{
		models.NewMessage(models.RoleUser, "first"),
		models.NewMessage(models.RoleAssistant, "answer"),
		models.NewMessage(models.RoleUser, "second"),
	}
	reply, err := p.Complete(context.Background(), "/api/code", "tok", msgs)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if reply.Role != models.RoleAssistant || reply.Content != "func main() {}" {
		t.Errorf("Complete() = %+v", reply)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if len(gotBody.Messages) != 3 || gotBody.Messages[2].Content != "second" {
		t.Errorf("request messages = %+v, want the full transcript in order", gotBody.Messages)
	}
}

func TestProxyCompleteErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantQuota bool
	}{
		{name: "Quota exceeded", status: http.StatusForbidden, wantQuota: true},
		{name: "Unauthorized", status: http.StatusUnauthorized},
		{name: "Internal error", status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			p := client.NewProxy(srv.URL, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
			_, err := p.Complete(context.Background(), "/api/conversation", "", nil)
			if err == nil {
				t.Fatal("Complete() should fail")
			}

			if got := errors.Is(err, client.ErrQuotaExceeded); got != tt.wantQuota {
				t.Errorf("errors.Is(err, ErrQuotaExceeded) = %v, want %v", got, tt.wantQuota)
			}

			var se *client.StatusError
			if !tt.wantQuota {
				if !errors.As(err, &se) || se.Code != tt.status {
					t.Errorf("err = %v, want StatusError with code %d", err, tt.status)
				}
			}
		})
	}
}

func TestProxyUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/usage" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"count":2,"limit":5,"pro":false}`)
	}))
	defer srv.Close()

	p := client.NewProxy(srv.URL, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	u, limit, err := p.Usage(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if u.Count != 2 || u.Pro || limit != 5 {
		t.Errorf("Usage() = %+v, %d", u, limit)
	}

	if _, _, err := p.Usage(context.Background(), ""); err == nil {
		t.Error("Usage() without token should fail")
	}
}
