package idempotency

import (
	"bytes"
	"net/http"
)

// Header carries the client's submission token.
const Header = "Idempotency-Key"

// Middleware replays the captured response when a run or batch submission
// repeats an Idempotency-Key within the TTL window, marked with
// Idempotency-Replay: true. Requests without the header, and responses with
// 5xx status, pass through uncached; a failed submission may be retried with
// the same key.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(Header)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Method + " " + r.URL.Path + " " + token

			if s, ok := cache.lookup(key); ok {
				for name, vals := range s.header {
					for _, v := range vals {
						w.Header().Add(name, v)
					}
				}
				w.Header().Set("Idempotency-Replay", "true")
				w.WriteHeader(s.status)
				_, _ = w.Write(s.body)
				return
			}

			rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 500 {
				return
			}
			cache.store(key, &stored{
				status: rec.status,
				header: rec.Header().Clone(),
				body:   rec.buf.Bytes(),
			})
		})
	}
}

// captureWriter tees the response so it can be stored for replay while still
// reaching the client.
type captureWriter struct {
	http.ResponseWriter
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func (c *captureWriter) WriteHeader(code int) {
	if !c.wroteHeader {
		c.status = code
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.buf.Write(p)
	return c.ResponseWriter.Write(p)
}
