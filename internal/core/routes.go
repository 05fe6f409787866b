package core

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"pagehook/internal/types"
)

// defaultRedactedHeaders are masked in request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Hub-Signature-256",
	"X-Hub-Signature",
}

// MountRoutes registers the global middleware chain and every route.
//
// Order of the global chain:
//  1. Recoverer       - outermost, so panics anywhere below are caught.
//  2. RequestID       - correlation id for logs and error bodies.
//  3. SecurityHeaders
//  4. RequestLogger   - redacts credentials and signatures.
//  5. CORS
//  6. Metrics
//
// Raw body capture is not global: only the webhook group installs it.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)

	s.router.Get("/health", s.HandleHealth)

	if s.MetricsHandler != nil {
		s.router.Handle("/metrics", s.MetricsHandler)
	}
	if s.WebhookRoutes != nil {
		s.router.Route(s.Config.Webhook.PathPrefix, s.WebhookRoutes)
	}
	if s.Realtime != nil {
		s.router.Handle(s.Config.Realtime.Path, s.Realtime)
	}

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundRoute, "route not found", nil))
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		Error(w, r, types.NewAppError(types.ErrCodeMethodNotAllowed, "method not allowed", nil))
	})
}

func (s *Server) corsAllowedOrigins() []string {
	if len(s.Config.Server.CorsAllowedOrigins) > 0 {
		return s.Config.Server.CorsAllowedOrigins
	}
	return []string{"*"}
}

// RequestIDMiddleware reuses an inbound X-Request-Id or generates one, stores
// it in the context and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = generateRequestID()
		}

		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), requestID)))
	})
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}
