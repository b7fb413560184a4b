// Package api is the backend proxy the generation pages post their transcripts to. It authenticates the
// caller, enforces the free-tier quota and forwards the transcript to the configured model.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/OmChillure/aigen/internal/auth"
	"github.com/OmChillure/aigen/internal/models"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// LLM produces a reply for a transcript. instruction is an extra system message, possibly empty.
type LLM interface {
	Complete(ctx context.Context, instruction string, messages []models.Message) (models.Message, error)
}

// UsageStore keeps per-user generation counts and subscription state.
//
// Reserve claims one generation for userID in a single atomic step and reports false, without claiming,
// once a non-pro user has used limit generations. Pro users are never refused and never counted. Release
// gives back a generation claimed by Reserve.
type UsageStore interface {
	Usage(ctx context.Context, userID string) (models.Usage, error)
	Reserve(ctx context.Context, userID string, limit int) (models.Usage, bool, error)
	Release(ctx context.Context, userID string) error
	SetPro(ctx context.Context, userID string, pro bool) error
}

// Verifier resolves a session token to a user ID.
type Verifier interface {
	Verify(token string) (string, error)
}

// Options tunes quota and rate limiting.
type Options struct {
	// FreeLimit is the number of generations a non-pro user may make.
	FreeLimit int
	// RatePerSecond and Burst configure the per-user token bucket. A zero rate disables limiting.
	RatePerSecond float64
	Burst         int
}

// Handler serves the proxy routes.
type Handler struct {
	llm      LLM
	usage    UsageStore
	verifier Verifier
	opts     Options

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	logger *slog.Logger
}

const (
	userIDKey    = "userID"
	errLoggerKey = "error"

	msgUnauthorized   = "Unauthorized"
	msgQuotaExceeded  = "Free trial has expired. Please upgrade to pro."
	msgMessagesNeeded = "Messages are required"
	msgInternal       = "Internal Error"
	msgTooManyReqs    = "Too many requests"
)

type completionRequest struct {
	Messages []models.WireMessage `json:"messages"`
}

type usageResponse struct {
	Count int  `json:"count"`
	Limit int  `json:"limit"`
	Pro   bool `json:"pro"`
}

// NewHandler creates a Handler. A non-positive FreeLimit defaults to 5.
func NewHandler(llm LLM, usage UsageStore, verifier Verifier, opts Options, logger *slog.Logger) *Handler {
	if opts.FreeLimit <= 0 {
		opts.FreeLimit = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Handler{
		llm:      llm,
		usage:    usage,
		verifier: verifier,
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
		logger:   logger.With(slog.String("module", "api")),
	}
}

// RegisterRoutes mounts the proxy routes on router under /api.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	g := router.Group("/api", h.authenticate)
	g.GET("/usage", h.handleUsage)

	for _, f := range models.Features() {
		g.POST(strings.TrimPrefix(f.Endpoint, "/api"), h.rateLimit, h.handleCompletion(f))
	}
}

// Engine returns a gin engine serving only the proxy routes.
func (h *Handler) Engine() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.logRequests)
	h.RegisterRoutes(router)
	return router
}

func (h *Handler) logRequests(c *gin.Context) {
	c.Next()
	h.logger.Debug("Request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.FullPath()),
		slog.Int("status", c.Writer.Status()))
}

func (h *Handler) authenticate(c *gin.Context) {
	token, err := auth.TokenFromRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msgUnauthorized})
		return
	}

	userID, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Debug("Rejected token", slog.String(errLoggerKey, err.Error()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msgUnauthorized})
		return
	}

	c.Set(userIDKey, userID)
	c.Next()
}

func (h *Handler) limiter(userID string) *rate.Limiter {
	h.limitersMu.Lock()
	defer h.limitersMu.Unlock()

	l, ok := h.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(h.opts.RatePerSecond), h.opts.Burst)
		h.limiters[userID] = l
	}
	return l
}

func (h *Handler) rateLimit(c *gin.Context) {
	if h.opts.RatePerSecond <= 0 {
		c.Next()
		return
	}

	if !h.limiter(c.GetString(userIDKey)).Allow() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": msgTooManyReqs})
		return
	}
	c.Next()
}

func (h *Handler) handleUsage(c *gin.Context) {
	userID := c.GetString(userIDKey)

	u, err := h.usage.Usage(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to read usage",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
		return
	}

	c.JSON(http.StatusOK, usageResponse{Count: u.Count, Limit: h.opts.FreeLimit, Pro: u.Pro})
}

func (h *Handler) handleCompletion(f models.Feature) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := c.GetString(userIDKey)

		var req completionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload", "detail": err.Error()})
			return
		}

		messages, err := transcriptMessages(req.Messages)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		u, granted, err := h.usage.Reserve(ctx, userID, h.opts.FreeLimit)
		if err != nil {
			h.logger.Error("Failed to reserve usage",
				slog.String("userID", userID),
				slog.String(errLoggerKey, err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
			return
		}
		if !granted {
			c.JSON(http.StatusForbidden, gin.H{"error": msgQuotaExceeded})
			return
		}

		reply, err := h.llm.Complete(ctx, f.Instruction, messages)
		if err != nil {
			if !u.Pro {
				h.release(ctx, userID)
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			h.logger.Error("Failed to complete",
				slog.String("feature", f.Slug),
				slog.String("userID", userID),
				slog.String(errLoggerKey, err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
			return
		}

		c.JSON(http.StatusOK, reply.Wire())
	}
}

// release refunds a reserved generation. It outlives a cancelled request so the refund is not lost.
func (h *Handler) release(ctx context.Context, userID string) {
	if err := h.usage.Release(context.WithoutCancel(ctx), userID); err != nil {
		h.logger.Error("Failed to release usage",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
	}
}

var errMessagesRequired = errors.New(msgMessagesNeeded)

func transcriptMessages(in []models.WireMessage) ([]models.Message, error) {
	if len(in) == 0 {
		return nil, errMessagesRequired
	}

	out := make([]models.Message, 0, len(in))
	for _, w := range in {
		m := models.FromWire(w)
		if !m.Role.Valid() || strings.TrimSpace(m.Content) == "" {
			return nil, errors.New("messages must have a user or assistant role and content")
		}
		out = append(out, m)
	}
	return out, nil
}
