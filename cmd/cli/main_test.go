package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/OmChillure/aigen/internal/client"
	"github.com/OmChillure/aigen/internal/models"
	"github.com/OmChillure/aigen/internal/page"
	"github.com/charmbracelet/glamour"
	"github.com/stretchr/testify/require"
)

func TestSessionRun(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			http.Error(w, "limit", http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(models.WireMessage{Role: "assistant", Content: "**bold** answer"})
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pages := page.NewRegistry(client.NewProxy(srv.URL, time.Second, logger), 0, logger)
	f, _ := models.FeatureBySlug(models.FeatureConversation)

	renderer, err := glamour.NewTermRenderer(glamour.WithStandardStyle("notty"))
	require.NoError(t, err)

	var out bytes.Buffer
	s := session{pages: pages, view: pages.Open(f, cliOwner), renderer: renderer, out: &out}

	in := strings.NewReader("hello\n   \nagain\n/new\n/quit\n")
	require.NoError(t, s.run(context.Background(), in))

	got := out.String()
	require.Contains(t, got, "answer")
	require.Contains(t, got, models.PromptRequiredLabel)
	require.Contains(t, got, "Upgrade to pro")
	require.Equal(t, 2, calls)
	require.Equal(t, 1, pages.Len())
}
