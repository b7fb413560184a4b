package handlers

import (
	"log/slog"
	"net/http"

	"github.com/OmChillure/aigen/internal/auth"
	"github.com/OmChillure/aigen/internal/models"
)

type landingPageData struct {
	SignedIn bool
	CTAHref  string
}

type dashboardPageData struct {
	SignedIn bool
	Features []models.Feature
	Counter  *counterData
}

type counterData struct {
	Count   int
	Limit   int
	Percent int
}

func newCounterData(u models.Usage, limit int) *counterData {
	if u.Pro || limit <= 0 {
		return nil
	}
	count := min(u.Count, limit)
	return &counterData{
		Count:   count,
		Limit:   limit,
		Percent: count * 100 / limit,
	}
}

// HandleLanding renders the landing hero. Its call to action leads signed-in users to the dashboard and
// everyone else to sign-up.
func (m Main) HandleLanding(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	_, _, signedIn := m.currentUser(r)
	data := landingPageData{
		SignedIn: signedIn,
		CTAHref:  "/sign-up",
	}
	if signedIn {
		data.CTAHref = "/dashboard"
	}

	if err := m.templates.ExecuteTemplate(w, "landing", data); err != nil {
		m.logger.Error("Failed to render landing", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSignUp gives the browser a new identity and sends it to the dashboard. Browsers that already carry
// a valid session go straight to the dashboard.
func (m Main) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := m.currentUser(r); ok {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}

	sess, err := m.sessions.SignUp()
	if err != nil {
		m.logger.Error("Failed to sign up", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.logger.Info("User signed up", slog.String("userID", sess.UserID))
	http.SetCookie(w, auth.Cookie(sess))
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// HandleSignOut clears the session and every page view the user has open.
func (m Main) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if userID, _, ok := m.currentUser(r); ok {
		n := m.pages.DropOwner(userID)
		m.logger.Info("User signed out", slog.String("userID", userID), slog.Int("views", n))
	}
	http.SetCookie(w, auth.ClearCookie())
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleDashboard lists the generation tools together with the free usage counter.
func (m Main) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	_, token, ok := m.currentUser(r)
	if !ok {
		http.Redirect(w, r, "/sign-up", http.StatusSeeOther)
		return
	}

	data := dashboardPageData{
		SignedIn: true,
		Features: models.Features(),
		Counter:  m.counter(r, token),
	}

	if err := m.templates.ExecuteTemplate(w, "dashboard", data); err != nil {
		m.logger.Error("Failed to render dashboard", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// counter fetches the usage counter for display. A failing proxy only hides the counter.
func (m Main) counter(r *http.Request, token string) *counterData {
	u, limit, err := m.usage.Usage(r.Context(), token)
	if err != nil {
		m.logger.Warn("Failed to read usage", slog.String(errLoggerKey, err.Error()))
		return nil
	}
	return newCounterData(u, limit)
}
