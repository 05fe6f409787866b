package webhook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"pagehook/internal/core"
	"pagehook/internal/types"
)

type rawBodyKey struct{}

// WithRawBody stores body in ctx.
func WithRawBody(ctx context.Context, body []byte) context.Context {
	return context.WithValue(ctx, rawBodyKey{}, body)
}

// RawBodyFromContext returns the bytes captured by CaptureRawBody. ok is
// false when the request did not pass through the middleware.
func RawBodyFromContext(ctx context.Context) (body []byte, ok bool) {
	body, ok = ctx.Value(rawBodyKey{}).([]byte)
	return body, ok
}

// CaptureRawBody reads the request body once, up to maxBytes, keeps the exact
// bytes in the request context and replaces r.Body with a fresh reader over
// the same bytes so later JSON decoding still works. Bodies over the limit are
// answered with 413 before any handler runs.
//
// Mount it only on routes whose handlers verify a signature over the body.
func CaptureRawBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r.WithContext(WithRawBody(r.Context(), []byte{})))
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
			_ = r.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					core.Error(w, r, types.NewAppError(types.ErrCodeValidationBodyTooLarge, "request body too large", err).
						WithDetails(map[string]any{"limit_bytes": maxBytes}))
					return
				}
				core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "failed to read request body", err))
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(WithRawBody(r.Context(), body)))
		})
	}
}
