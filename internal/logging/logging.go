// Package logging configures the service's slog output: JSON to stdout, a
// runtime-adjustable level, and redaction of credential-bearing attributes.
// Provider API keys, vault passphrases, and admin tokens flow through many
// log sites here, so redaction happens in the handler rather than at each
// call.
package logging

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const redacted = "[REDACTED]"

// secretFragments flags any attribute whose lowercased key contains one of
// these substrings.
var secretFragments = []string{
	"key", "token", "secret", "password", "passphrase", "credential",
}

// secretKeys flags exact attribute keys, mostly forwarded HTTP headers and
// request payloads that may embed prompts or credentials.
var secretKeys = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"body":                true,
	"request_body":        true,
}

var globalLevel = new(slog.LevelVar)

// Setup installs the default logger: JSON on stdout behind the redacting
// handler, at the given level.
func Setup(level string) *slog.Logger {
	SetLevel(level)
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: globalLevel})
	logger := slog.New(redactHandler{base: h})
	slog.SetDefault(logger)
	return logger
}

// SetLevel adjusts the level at runtime. Unknown values mean info.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		globalLevel.Set(slog.LevelDebug)
	case "warn", "warning":
		globalLevel.Set(slog.LevelWarn)
	case "error":
		globalLevel.Set(slog.LevelError)
	default:
		globalLevel.Set(slog.LevelInfo)
	}
}

// redactHandler masks secret-ish attribute values before delegating.
type redactHandler struct {
	base slog.Handler
}

func (h redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h redactHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(scrub(a))
		return true
	})
	return h.base.Handle(ctx, clean)
}

func (h redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, scrub(a))
	}
	return redactHandler{base: h.base.WithAttrs(clean)}
}

func (h redactHandler) WithGroup(name string) slog.Handler {
	return redactHandler{base: h.base.WithGroup(name)}
}

func scrub(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if secretKeys[key] {
		return slog.String(a.Key, redacted)
	}
	for _, frag := range secretFragments {
		if strings.Contains(key, frag) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// RequestLogger returns chi middleware that logs one line per request.
// Server failures log at error, client failures at warn. Bodies and auth
// headers never appear; the redacting handler backstops anything that slips
// through as an attribute.
func RequestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			switch {
			case ww.Status() >= 500:
				level = slog.LevelError
			case ww.Status() >= 400:
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes_out", ww.BytesWritten()),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("remote", r.RemoteAddr),
			)
		})
	}
}
