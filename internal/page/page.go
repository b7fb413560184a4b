// Package page holds the state of generation pages. Every load of a page opens a View that owns its
// transcript until the user navigates away or the view idles out. Views are UI-agnostic: the web handlers
// and the terminal client drive the same Submit flow.
package page

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/OmChillure/aigen/internal/client"
	"github.com/OmChillure/aigen/internal/models"
	"github.com/google/uuid"
)

// Completer sends a transcript to a feature endpoint and returns the generated reply.
type Completer interface {
	Complete(ctx context.Context, endpoint, token string, messages []models.Message) (models.Message, error)
}

// ToastGeneric is the notification shown for every failure other than an exhausted quota.
const ToastGeneric = "Something went wrong"

const errLoggerKey = "error"

var (
	// ErrBusy is returned when a submission is made while the previous one on the same view is in flight.
	ErrBusy = errors.New("a submission is already in progress")
	// ErrViewNotFound is returned for unknown or expired view IDs, and for views opened by another user or
	// on another page.
	ErrViewNotFound = errors.New("page view not found")
)

// View is one load of a generation page.
type View struct {
	ID      string
	Feature models.Feature
	// Owner is the user who opened the view.
	Owner string

	mu         sync.Mutex
	transcript models.Transcript
	formValue  string
	busy       bool
	lastSeen   time.Time
}

// Result is the state a page renders after a submission.
type Result struct {
	ViewID  string
	Feature models.Feature
	// Messages holds the transcript in the order messages were appended.
	Messages []models.Message

	FormValue    string
	FieldError   string
	UpgradeModal bool
	Toast        string
}

// Snapshot returns the current state of the view without submitting anything.
func (v *View) Snapshot() Result {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.resultLocked()
}

func (v *View) resultLocked() Result {
	return Result{
		ViewID:    v.ID,
		Feature:   v.Feature,
		Messages:  v.transcript.Messages(),
		FormValue: v.formValue,
	}
}

// Registry tracks the open views and runs their submissions against the proxy.
type Registry struct {
	completer   Completer
	idleTimeout time.Duration
	now         func() time.Time

	mu    sync.Mutex
	views map[string]*View

	logger *slog.Logger
}

// NewRegistry creates a Registry. Views not touched for idleTimeout are removed by Sweep; a zero timeout
// keeps views until they are dropped explicitly.
func NewRegistry(completer Completer, idleTimeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		completer:   completer,
		idleTimeout: idleTimeout,
		now:         time.Now,
		views:       make(map[string]*View),
		logger:      logger.With(slog.String("module", "page")),
	}
}

// Open creates a fresh view of feature with an empty transcript, owned by the given user.
func (r *Registry) Open(feature models.Feature, owner string) *View {
	v := &View{
		ID:       uuid.New().String(),
		Feature:  feature,
		Owner:    owner,
		lastSeen: r.now(),
	}

	r.mu.Lock()
	r.views[v.ID] = v
	r.mu.Unlock()

	return v
}

// Get returns the view with the given ID. The view must belong to the feature identified by slug and have
// been opened by owner.
func (r *Registry) Get(id, slug, owner string) (*View, error) {
	r.mu.Lock()
	v, ok := r.views[id]
	r.mu.Unlock()

	if !ok || v.Feature.Slug != slug || v.Owner != owner {
		return nil, fmt.Errorf("%w: %s", ErrViewNotFound, id)
	}

	v.mu.Lock()
	v.lastSeen = r.now()
	v.mu.Unlock()

	return v, nil
}

// Drop destroys the view with the given ID if owner opened it. It reports whether a view was removed.
func (r *Registry) Drop(id, owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[id]
	if !ok || v.Owner != owner {
		return false
	}
	delete(r.views, id)
	return true
}

// DropOwner destroys every view opened by owner and returns how many were removed.
func (r *Registry) DropOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, v := range r.views {
		if v.Owner == owner {
			delete(r.views, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of open views.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.views)
}

// Sweep removes views idle for longer than the idle timeout and returns how many were removed. Views with
// a submission in flight are kept.
func (r *Registry) Sweep() int {
	if r.idleTimeout <= 0 {
		return 0
	}
	deadline := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, v := range r.views {
		v.mu.Lock()
		expired := !v.busy && v.lastSeen.Before(deadline)
		v.mu.Unlock()
		if expired {
			delete(r.views, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle views every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("Swept idle views", slog.Int("count", n))
			}
		}
	}
}

// Submit validates prompt, appends it to the view's transcript and asks the proxy for a reply.
//
// A blank prompt only sets the field error. A 403 from the proxy opens the upgrade modal, any other
// failure sets the generic toast; in both cases the user message stays in the transcript and no assistant
// message is added. The only error returned is ErrBusy.
func (r *Registry) Submit(ctx context.Context, v *View, token, prompt string) (Result, error) {
	form := models.PromptForm{Prompt: prompt}

	v.mu.Lock()
	if v.busy {
		v.mu.Unlock()
		return Result{}, ErrBusy
	}
	if err := form.Validate(); err != nil {
		v.formValue = prompt
		res := v.resultLocked()
		v.mu.Unlock()
		res.FieldError = models.PromptRequiredLabel
		return res, nil
	}

	v.busy = true
	v.formValue = form.Prompt
	v.transcript.Append(models.NewMessage(models.RoleUser, form.Prompt))
	messages := v.transcript.Messages()
	v.mu.Unlock()

	reply, err := r.completer.Complete(ctx, v.Feature.Endpoint, token, messages)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.busy = false
	v.lastSeen = r.now()

	if err != nil {
		res := v.resultLocked()
		if errors.Is(err, client.ErrQuotaExceeded) {
			r.logger.Info("Usage limit reached", slog.String("feature", v.Feature.Slug))
			res.UpgradeModal = true
			return res, nil
		}
		r.logger.Error("Failed to generate reply",
			slog.String("feature", v.Feature.Slug),
			slog.String(errLoggerKey, err.Error()))
		res.Toast = ToastGeneric
		return res, nil
	}

	reply.Role = models.RoleAssistant
	v.transcript.Append(reply)
	if v.Feature.ResetOnSuccess {
		v.formValue = ""
	}

	return v.resultLocked(), nil
}
