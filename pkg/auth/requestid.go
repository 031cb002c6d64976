package auth

import (
	"context"
	"net/http"

	"github.com/siderealhq/agentd/pkg/ids"
)

type requestIDKey struct{}

// RequestIDMiddleware attaches an X-Request-Id to every request and response.
// A non-empty client-supplied id is returned verbatim; otherwise a fresh
// req_<32 hex> id is generated. The header is set before the handler runs so
// error writers can correlate.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = ids.NewRequestID()
		}

		w.Header().Set("X-Request-Id", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request id from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
