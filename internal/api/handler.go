// Package api is the HTTP surface of the gateway. Handlers stay wire-only:
// they decode requests, delegate to the routing engine, and translate the
// canonical error taxonomy to HTTP statuses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ismaeldosil/valerie-gateway/internal/auth"
	"github.com/ismaeldosil/valerie-gateway/internal/domain"
	"github.com/ismaeldosil/valerie-gateway/internal/metrics"
	"github.com/ismaeldosil/valerie-gateway/internal/ratelimit"
	"github.com/ismaeldosil/valerie-gateway/internal/session"
	"github.com/ismaeldosil/valerie-gateway/internal/telemetry"
	"github.com/ismaeldosil/valerie-gateway/internal/usage"
)

// historyLimit caps how much session history is replayed to the provider on
// each turn. The stored session keeps everything.
const historyLimit = 20

const maxBodyBytes = 1 << 20

// Gateway is the routing engine as the HTTP layer sees it.
type Gateway interface {
	Generate(ctx context.Context, agent string, req domain.GenerationRequest) (*domain.GenerationResponse, error)
	GenerateStream(ctx context.Context, agent string, req domain.GenerationRequest) <-chan domain.StreamChunk
	ProviderInfos() []domain.ProviderInfo
	CheckProviders(ctx context.Context) map[string]domain.ProviderHealth
	BreakerStates() map[string]string
}

type Config struct {
	Gateway    Gateway
	Sessions   session.Store
	SessionTTL time.Duration

	// Usage is nil when no queryable store is configured; GET /usage then
	// answers 404. Recorder is nil when accounting is off entirely.
	Usage    usage.Reader
	Recorder usage.Recorder

	Limiter ratelimit.Limiter
	Auth    auth.MiddlewareConfig

	// ExcludePaths are skipped by the rate limiter, mirroring the auth
	// exclusions.
	ExcludePaths []string

	Logger *slog.Logger
}

type Handler struct {
	gateway    Gateway
	sessions   session.Store
	sessionTTL time.Duration
	usage      usage.Reader
	recorder   usage.Recorder
	logger     *slog.Logger

	cfg Config
}

func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	return &Handler{
		gateway:    cfg.Gateway,
		sessions:   cfg.Sessions,
		sessionTTL: ttl,
		usage:      cfg.Usage,
		recorder:   cfg.Recorder,
		logger:     logger,
		cfg:        cfg,
	}
}

// Routes assembles the full middleware chain around the route table.
// Request-ID and access logging wrap everything; auth runs before the rate
// limiter so admission can key on the tenant.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", h.handleChat)
	mux.HandleFunc("POST /chat/stream", h.handleChatStream)
	mux.HandleFunc("GET /sessions/{id}", h.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleDeleteSession)
	mux.HandleFunc("GET /models", h.handleModels)
	mux.HandleFunc("GET /usage", h.handleUsage)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
	mux.HandleFunc("GET /live", h.handleLive)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = withRateLimit(h.cfg.Limiter, h.cfg.ExcludePaths, h.logger)(handler)
	handler = auth.Middleware(h.cfg.Auth)(handler)
	handler = withLogging(h.logger)(handler)
	handler = withTracing(handler)
	handler = withRequestID(handler)
	return handler
}

type chatRequest struct {
	Message   string           `json:"message,omitempty"`
	Messages  []domain.Message `json:"messages,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Agent     string           `json:"agent,omitempty"`
	Config    domain.GenConfig `json:"config"`
}

type chatResponse struct {
	SessionID    string              `json:"session_id"`
	Content      string              `json:"content"`
	Model        string              `json:"model"`
	Provider     string              `json:"provider"`
	Usage        domain.Usage        `json:"usage"`
	FinishReason domain.FinishReason `json:"finish_reason"`
}

// chatTurn is one decoded, session-resolved chat request ready for the
// routing engine.
type chatTurn struct {
	sess     *domain.Session
	incoming []domain.Message
	genReq   domain.GenerationRequest
	agent    string
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	turn, ok := h.beginTurn(w, r)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := h.gateway.Generate(r.Context(), turn.agent, turn.genReq)
	if err != nil {
		h.recordUsage(r.Context(), turn.agent, providerOf(err), "", domain.Usage{}, time.Since(start), false, domain.KindOf(err))
		h.writeError(w, err)
		return
	}
	h.recordUsage(r.Context(), turn.agent, resp.Provider, resp.Model, resp.Usage, time.Since(start), false, "")

	h.saveTurn(r.Context(), turn, resp.Content)

	writeJSON(w, http.StatusOK, chatResponse{
		SessionID:    turn.sess.ID,
		Content:      resp.Content,
		Model:        resp.Model,
		Provider:     resp.Provider,
		Usage:        resp.Usage,
		FinishReason: resp.FinishReason,
	})
}

func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	turn, ok := h.beginTurn(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		h.writeError(w, domain.Errf(domain.KindConfiguration, "", "streaming unsupported by server"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.IncActiveStreams()
	defer metrics.DecActiveStreams()

	start := time.Now()
	var (
		content          string
		provider         string
		model            string
		tokens           domain.Usage
		errKind          domain.ErrorKind
		cleanTermination bool
		writeFailed      bool
	)

	// The channel must be drained to the close even when the caller has gone:
	// the engine always settles the stream with a terminal chunk.
	for chunk := range h.gateway.GenerateStream(r.Context(), turn.agent, turn.genReq) {
		if chunk.Provider != "" {
			provider = chunk.Provider
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Delta != "" {
			content += chunk.Delta
		}
		if chunk.Usage != nil {
			tokens = *chunk.Usage
		}
		if chunk.Err != nil {
			errKind = chunk.Err.Kind
		}
		if chunk.Done {
			cleanTermination = true
		}
		if writeFailed {
			continue
		}

		frame, err := json.Marshal(chunk)
		if err != nil {
			h.logger.Error("stream frame marshal failed", "error", err)
			writeFailed = true
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
			writeFailed = true
			continue
		}
		flusher.Flush()
	}

	if r.Context().Err() != nil {
		return
	}

	h.recordUsage(r.Context(), turn.agent, provider, model, tokens, time.Since(start), true, errKind)
	if cleanTermination {
		h.saveTurn(r.Context(), turn, content)
	}
}

// beginTurn decodes the request body, resolves the session, and composes the
// provider-facing message sequence. On failure the HTTP error has already
// been written.
func (h *Handler) beginTurn(w http.ResponseWriter, r *http.Request) (*chatTurn, bool) {
	identity, _ := auth.IdentityFromContext(r.Context())
	telemetry.AnnotateRequest(r.Context(), identity.Tenant, RequestIDFromContext(r.Context()))

	var req chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.Errf(domain.KindInvalidRequest, "", "invalid request body: %v", err))
		return nil, false
	}

	incoming := req.Messages
	if len(incoming) == 0 && req.Message != "" {
		incoming = []domain.Message{{Role: domain.RoleUser, Content: req.Message}}
	}
	if len(incoming) == 0 {
		h.writeError(w, domain.Errf(domain.KindInvalidRequest, "", "message or messages is required"))
		return nil, false
	}

	sess, err := h.resolveSession(r.Context(), identity.Tenant, req.SessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session_not_found"})
		} else {
			h.writeError(w, domain.Errf(domain.KindUnavailable, "", "session store unavailable: %v", err))
		}
		return nil, false
	}

	genReq := domain.GenerationRequest{
		Messages: composeMessages(sess.Messages, incoming),
		Config:   req.Config,
	}
	if err := genReq.Validate(); err != nil {
		h.writeError(w, domain.Errf(domain.KindInvalidRequest, "", "%v", err))
		return nil, false
	}

	return &chatTurn{sess: sess, incoming: incoming, genReq: genReq, agent: req.Agent}, true
}

// resolveSession loads the caller's session. A missing ID starts a fresh
// session; an unknown ID is honored as a new session under that ID so
// clients may mint their own identifiers. A session owned by another tenant
// is indistinguishable from a missing one.
func (h *Handler) resolveSession(ctx context.Context, tenant, id string) (*domain.Session, error) {
	now := time.Now().UTC()
	if id == "" {
		return &domain.Session{ID: uuid.NewString(), TenantID: tenant, CreatedAt: now, UpdatedAt: now}, nil
	}

	sess, err := h.sessions.Load(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return &domain.Session{ID: id, TenantID: tenant, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return nil, err
	}
	if sess.TenantID != tenant {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

// composeMessages builds the provider-facing sequence: a leading system
// message from the caller stays first, then the most recent history, then
// the new turn.
func composeMessages(history, incoming []domain.Message) []domain.Message {
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}

	out := make([]domain.Message, 0, len(history)+len(incoming))
	if len(incoming) > 0 && incoming[0].Role == domain.RoleSystem {
		out = append(out, incoming[0])
		incoming = incoming[1:]
	}
	out = append(out, history...)
	out = append(out, incoming...)
	return out
}

// saveTurn persists the completed exchange. Failures are logged, not
// surfaced: the caller already has the response.
func (h *Handler) saveTurn(ctx context.Context, turn *chatTurn, reply string) {
	turn.sess.Messages = append(turn.sess.Messages, turn.incoming...)
	turn.sess.Messages = append(turn.sess.Messages, domain.Message{Role: domain.RoleAssistant, Content: reply})
	turn.sess.UpdatedAt = time.Now().UTC()

	if err := h.sessions.Save(ctx, turn.sess, h.sessionTTL); err != nil {
		h.logger.Warn("session save failed", "session_id", turn.sess.ID, "error", err)
		return
	}
	metrics.RecordSessionOp("save")
}

func (h *Handler) recordUsage(ctx context.Context, agent, provider, model string, tokens domain.Usage, latency time.Duration, stream bool, kind domain.ErrorKind) {
	if h.recorder == nil {
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)
	rec := usage.Record{
		RequestID:    RequestIDFromContext(ctx),
		TenantID:     identity.Tenant,
		Agent:        agent,
		Provider:     provider,
		Model:        model,
		InputTokens:  tokens.InputTokens,
		OutputTokens: tokens.OutputTokens,
		LatencyMs:    latency.Milliseconds(),
		Stream:       stream,
		ErrorKind:    string(kind),
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.recorder.Record(ctx, rec); err != nil {
		h.logger.Warn("usage record failed", "request_id", rec.RequestID, "error", err)
	}
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	metrics.RecordSessionOp("load")
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Delete(r.Context(), sess.ID); err != nil {
		h.writeError(w, domain.Errf(domain.KindUnavailable, "", "session store unavailable: %v", err))
		return
	}
	metrics.RecordSessionOp("delete")
	w.WriteHeader(http.StatusNoContent)
}

// ownedSession loads the path session and enforces tenant ownership.
// Foreign and missing sessions answer identically.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	identity, _ := auth.IdentityFromContext(r.Context())

	sess, err := h.sessions.Load(r.Context(), r.PathValue("id"))
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session_not_found"})
		return nil, false
	}
	if err != nil {
		h.writeError(w, domain.Errf(domain.KindUnavailable, "", "session store unavailable: %v", err))
		return nil, false
	}
	if sess.TenantID != identity.Tenant {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session_not_found"})
		return nil, false
	}
	return sess, true
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.gateway.ProviderInfos()})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "usage tracking not configured"})
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, domain.Errf(domain.KindInvalidRequest, "", "since must be RFC 3339, got %q", raw))
			return
		}
		since = parsed
	}

	summary, err := h.usage.Summarize(r.Context(), identity.Tenant, since)
	if err != nil {
		h.writeError(w, domain.Errf(domain.KindUnavailable, "", "usage store unavailable: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// statusForKind maps the canonical taxonomy to HTTP statuses. 499 follows
// the nginx convention for a caller that went away.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindAuth:
		return http.StatusUnauthorized
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindModelNotFound:
		return http.StatusNotFound
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindContentFilter:
		return http.StatusUnprocessableEntity
	case domain.KindTimeout, domain.KindUnavailable, domain.KindNetwork, domain.KindNoProvider:
		return http.StatusServiceUnavailable
	case domain.KindCanceled:
		return 499
	case domain.KindConfiguration:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	if kind == "" {
		kind = domain.KindConfiguration
	}

	if ra := domain.RetryAfter(err); ra > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(ra.Seconds()+0.5)))
	}

	var ge *domain.Error
	message := err.Error()
	if errors.As(err, &ge) {
		message = ge.Message
	}

	writeJSON(w, statusForKind(kind), map[string]string{
		"error":   string(kind),
		"message": message,
	})
}

func providerOf(err error) string {
	var ge *domain.Error
	if errors.As(err, &ge) {
		return ge.Provider
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
