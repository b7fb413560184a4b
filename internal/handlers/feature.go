package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/OmChillure/aigen/internal/models"
	"github.com/OmChillure/aigen/internal/page"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	ID      string
	Role    string
	Content template.HTML
	IsUser  bool
}

type featurePageData struct {
	SignedIn bool
	Feature  models.Feature
	ViewID   string
	Messages []message

	FormValue    string
	FieldError   string
	UpgradeModal bool
	UpgradeURL   string
	Toast        string
	Counter      *counterData
}

var templateFuncs = template.FuncMap{
	"lower":    strings.ToLower,
	"features": models.Features,
	"dict":     dict,
}

// dict builds a map from alternating keys and values so templates can pass several values to a partial.
func dict(kv ...any) (map[string]any, error) {
	if len(kv)%2 != 0 {
		return nil, fmt.Errorf("dict expects an even number of arguments, got %d", len(kv))
	}
	m := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			return nil, fmt.Errorf("dict key %v is not a string", kv[i])
		}
		m[k] = kv[i+1]
	}
	return m, nil
}

// HandleFeature serves a generation page. GET opens a fresh page view with an empty transcript; views of
// other tabs stay open. POST submits the "prompt" form field against the view named by "view_id" and renders
// the updated page body, or the whole page for requests not made by htmx.
func (m Main) HandleFeature(w http.ResponseWriter, r *http.Request) {
	slug := strings.Trim(r.URL.Path, "/")
	f, ok := models.FeatureBySlug(slug)
	if !ok {
		http.NotFound(w, r)
		return
	}

	userID, token, signedIn := m.currentUser(r)
	if !signedIn {
		http.Redirect(w, r, "/sign-up", http.StatusSeeOther)
		return
	}

	switch r.Method {
	case http.MethodGet:
		m.openFeature(w, r, f, userID, token)
	case http.MethodPost:
		m.submitFeature(w, r, f, userID, token)
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleLeave ends the page view named by the "view_id" form field. Pages call it when their tab closes.
func (m Main) HandleLeave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, _, ok := m.currentUser(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if m.pages.Drop(r.FormValue("view_id"), userID) {
		m.logger.Debug("Page view closed", slog.String("userID", userID))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m Main) openFeature(w http.ResponseWriter, r *http.Request, f models.Feature, userID, token string) {
	v := m.pages.Open(f, userID)

	data, err := m.featureData(v.Snapshot())
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data.Counter = m.counter(r, token)

	if err := m.templates.ExecuteTemplate(w, "feature", data); err != nil {
		m.logger.Error("Failed to render feature page",
			slog.String("feature", f.Slug),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) submitFeature(w http.ResponseWriter, r *http.Request, f models.Feature, userID, token string) {
	prompt := r.FormValue("prompt")

	var res page.Result
	v, err := m.pages.Get(r.FormValue("view_id"), f.Slug, userID)
	if err != nil {
		// The view idled out or was closed. Start over on a fresh one and keep what the user typed.
		m.logger.Warn("Submit to unknown view",
			slog.String("feature", f.Slug),
			slog.String(errLoggerKey, err.Error()))
		res = m.pages.Open(f, userID).Snapshot()
		res.FormValue = prompt
		res.Toast = toastExpired
	} else {
		res, err = m.pages.Submit(r.Context(), v, token, prompt)
		switch {
		case errors.Is(err, page.ErrBusy):
			res = v.Snapshot()
			res.Toast = toastBusy
		case err != nil:
			m.logger.Error("Failed to submit prompt",
				slog.String("feature", f.Slug),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		case res.FieldError == "":
			// The counter only changes once the proxy has seen the request.
			go m.publishUsage(userID, token)
		}
	}

	data, err := m.featureData(res)
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	tmplName := "feature"
	if r.Header.Get("HX-Request") == "true" {
		tmplName = "feature_body"
	} else {
		data.Counter = m.counter(r, token)
	}

	if err := m.templates.ExecuteTemplate(w, tmplName, data); err != nil {
		m.logger.Error("Failed to render feature page",
			slog.String("feature", f.Slug),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) featureData(res page.Result) (featurePageData, error) {
	// Pages show the newest message first.
	msgs := make([]message, 0, len(res.Messages))
	for _, msg := range slices.Backward(res.Messages) {
		content, err := models.RenderContent(msg.Content, res.Feature.Markdown)
		if err != nil {
			return featurePageData{}, err
		}
		msgs = append(msgs, message{
			ID:      msg.ID,
			Role:    string(msg.Role),
			Content: content,
			IsUser:  msg.Role == models.RoleUser,
		})
	}

	return featurePageData{
		SignedIn:     true,
		Feature:      res.Feature,
		ViewID:       res.ViewID,
		Messages:     msgs,
		FormValue:    res.FormValue,
		FieldError:   res.FieldError,
		UpgradeModal: res.UpgradeModal,
		UpgradeURL:   m.upgradeURL,
		Toast:        res.Toast,
	}, nil
}

// publishUsage pushes a refreshed usage counter to every page the user has open.
func (m Main) publishUsage(userID, token string) {
	u, limit, err := m.usage.Usage(context.Background(), token)
	if err != nil {
		m.logger.Warn("Failed to read usage", slog.String(errLoggerKey, err.Error()))
		return
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "free_counter", newCounterData(u, limit)); err != nil {
		m.logger.Error("Failed to render counter", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: usageSSEType,
	}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg, usageTopic(userID)); err != nil {
		m.logger.Error("Failed to publish usage",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
	}
}
