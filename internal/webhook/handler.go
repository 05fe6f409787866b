package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pagehook/internal/core"
	"pagehook/internal/types"
)

// AckBody is returned to the platform once an event is on the queue.
const AckBody = "EVENT_RECEIVED"

const subscribeMode = "subscribe"

// Event outcomes reported to EventRecorder.
const (
	ResultAccepted         = "accepted"
	ResultUnknownSource    = "unknown_source"
	ResultRawBodyMissing   = "raw_body_missing"
	ResultInvalidSignature = "invalid_signature"
	ResultInvalidJSON      = "invalid_json"
	ResultPublishFailed    = "publish_failed"
)

// EventRecorder counts inbound deliveries by source and outcome.
type EventRecorder interface {
	RecordWebhookEvent(source, result string)
}

// HandlerConfig carries the platform secrets and endpoint settings.
type HandlerConfig struct {
	VerifyToken  types.SecretString
	AppSecret    types.SecretString
	Sources      []string
	MaxBodyBytes int64
}

// Handler serves the subscription handshake and event receipt for every
// configured source.
type Handler struct {
	verifier     *SignatureVerifier
	verifyToken  types.SecretString
	publisher    types.EventPublisher
	sources      map[string]struct{}
	maxBodyBytes int64
	logger       *slog.Logger
	recorder     EventRecorder

	now   func() time.Time
	newID func() string
}

// Option customizes a Handler.
type Option func(*Handler)

// WithEventRecorder reports every delivery outcome to rec.
func WithEventRecorder(rec EventRecorder) Option {
	return func(h *Handler) { h.recorder = rec }
}

// WithClock replaces time.Now for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithIDGenerator replaces the random event ID generator.
func WithIDGenerator(newID func() string) Option {
	return func(h *Handler) { h.newID = newID }
}

// NewHandler creates a Handler publishing to publisher.
func NewHandler(cfg HandlerConfig, publisher types.EventPublisher, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	sources := make(map[string]struct{}, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources[strings.ToLower(s)] = struct{}{}
	}

	h := &Handler{
		verifier:     NewSignatureVerifier(cfg.AppSecret.Unmask()),
		verifyToken:  cfg.VerifyToken,
		publisher:    publisher,
		sources:      sources,
		maxBodyBytes: cfg.MaxBodyBytes,
		logger:       logger,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the webhook group. Raw body capture is installed here and
// nowhere else.
func (h *Handler) Routes(r chi.Router) {
	r.Use(CaptureRawBody(h.maxBodyBytes))
	r.Get("/{source}", h.HandleVerification)
	r.Post("/{source}", h.HandleEvent)
}

// HandleVerification answers the platform's ownership check. The platform
// sends hub.mode=subscribe, hub.verify_token and hub.challenge; the challenge
// is echoed verbatim when the token matches.
func (h *Handler) HandleVerification(w http.ResponseWriter, r *http.Request) {
	source, ok := h.source(r)
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundSource, "unknown webhook source", nil))
		return
	}

	q := r.URL.Query()
	mode := firstParam(q, "hub.mode", "mode")
	token := firstParam(q, "hub.verify_token", "verify_token")
	challenge := firstParam(q, "hub.challenge", "challenge")

	if mode != subscribeMode || !h.tokenMatches(token) {
		h.logger.WarnContext(r.Context(), "webhook verification rejected",
			"source", source,
			"mode", mode,
		)
		core.Error(w, r, types.NewAppError(types.ErrCodePermissionVerifyToken, "verification failed", nil))
		return
	}
	if challenge == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "missing challenge", nil).
			WithDetails(map[string]any{"field": "hub.challenge"}))
		return
	}

	h.logger.InfoContext(r.Context(), "webhook subscription verified", "source", source)
	core.Text(w, http.StatusOK, challenge)
}

// eventPayload is the part of the platform body the endpoint inspects for
// logging. The envelope always carries the raw bytes, never this struct.
type eventPayload struct {
	Object string            `json:"object"`
	Entry  []json.RawMessage `json:"entry"`
}

// HandleEvent verifies and enqueues one delivery. Exactly one publish happens
// per valid signed event; a rejected event publishes nothing.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	source, ok := h.source(r)
	if !ok {
		h.record("unknown", ResultUnknownSource)
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundSource, "unknown webhook source", nil))
		return
	}

	raw, ok := RawBodyFromContext(ctx)
	if !ok {
		h.logger.ErrorContext(ctx, "raw body not captured for webhook route", "source", source)
		h.record(source, ResultRawBodyMissing)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthRawBodyMissing, "signature cannot be verified", nil))
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if !h.verifier.Verify(signature, raw) {
		h.logger.WarnContext(ctx, "webhook signature rejected",
			"source", source,
			"signature_present", signature != "",
			"body_bytes", len(raw),
		)
		h.record(source, ResultInvalidSignature)
		code := types.ErrCodeAuthSignatureInvalid
		if signature == "" {
			code = types.ErrCodeAuthSignatureMissing
		}
		core.Error(w, r, types.NewAppError(code, "signature verification failed", nil))
		return
	}

	var payload eventPayload
	if err := core.DecodeJSONLimit(w, r, &payload, h.maxBodyBytes); err != nil {
		h.logger.WarnContext(ctx, "webhook body is not valid JSON", "source", source, "error", err)
		h.record(source, ResultInvalidJSON)
		core.Error(w, r, err)
		return
	}

	env := &types.WebhookEnvelope{
		EventID:         h.newID(),
		ReceivedAt:      h.now().UTC(),
		Source:          source,
		SignatureHeader: signature,
		Payload:         json.RawMessage(raw),
	}

	eventID, err := h.publisher.Publish(ctx, env)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to enqueue webhook event",
			"source", source,
			"event_id", env.EventID,
			"error", err,
		)
		h.record(source, ResultPublishFailed)
		var appErr *types.AppError
		if !errors.As(err, &appErr) {
			err = types.NewAppError(types.ErrCodeUpstreamQueueUnavailable, "event could not be queued", err)
		}
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "webhook event queued",
		"source", source,
		"event_id", eventID,
		"object", payload.Object,
		"entries", len(payload.Entry),
	)
	h.record(source, ResultAccepted)
	core.Text(w, http.StatusOK, AckBody)
}

func (h *Handler) source(r *http.Request) (string, bool) {
	source := strings.ToLower(chi.URLParam(r, "source"))
	_, ok := h.sources[source]
	return source, ok
}

func (h *Handler) tokenMatches(token string) bool {
	want := h.verifyToken.Unmask()
	if want == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

func (h *Handler) record(source, result string) {
	if h.recorder != nil {
		h.recorder.RecordWebhookEvent(source, result)
	}
}

func firstParam(q map[string][]string, keys ...string) string {
	for _, k := range keys {
		if v := q[k]; len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return ""
}
