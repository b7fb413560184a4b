package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/OmChillure/aigen"
	"github.com/OmChillure/aigen/internal/auth"
	"github.com/OmChillure/aigen/internal/models"
	"github.com/OmChillure/aigen/internal/page"
	"github.com/tmaxmax/go-sse"
)

// UsageReader reports the quota state of the user identified by token.
type UsageReader interface {
	Usage(ctx context.Context, token string) (models.Usage, int, error)
}

// Sessions mints and verifies session tokens.
type Sessions interface {
	SignUp() (auth.Session, error)
	Verify(token string) (string, error)
}

// Main serves the web pages: the landing hero, the dashboard and one page per generation feature. It keeps
// page views in a registry and pushes refreshed usage counters to open pages over server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	pages    *page.Registry
	usage    UsageReader
	sessions Sessions

	upgradeURL string

	logger *slog.Logger
}

const (
	errLoggerKey = "error"

	toastExpired = "This page has expired. A new conversation was started."
	toastBusy    = "A generation is already in progress"
)

var usageSSEType = sse.Type("usage")

// NewMain creates a new Main instance. It parses the HTML templates from the embedded filesystem and
// configures the SSE server so every signed-in session subscribes to its own usage topic.
func NewMain(
	pages *page.Registry,
	usage UsageReader,
	sessions Sessions,
	upgradeURL string,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(
		aigen.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	m := Main{
		templates:  tmpl,
		pages:      pages,
		usage:      usage,
		sessions:   sessions,
		upgradeURL: upgradeURL,
		logger:     logger.With(slog.String("module", "main")),
	}
	m.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			userID, _, ok := m.currentUser(s.Req)
			if !ok {
				return sse.Subscription{}, false
			}

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      []string{sse.DefaultTopic, usageTopic(userID)},
			}, true
		},
	}

	return m, nil
}

func usageTopic(userID string) string {
	return fmt.Sprintf("usage-%s", userID)
}

// HandleSSE serves the server-sent events stream.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// currentUser resolves the session cookie to a user ID. ok is false when the browser is not signed in.
func (m Main) currentUser(r *http.Request) (userID, token string, ok bool) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		return "", "", false
	}
	userID, err = m.sessions.Verify(token)
	if err != nil {
		return "", "", false
	}
	return userID, token, true
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeUsage")}
	// SSE events must carry data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
