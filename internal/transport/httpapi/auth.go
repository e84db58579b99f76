package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/roach88/hashrepo/internal/apperr"
	logpkg "github.com/roach88/hashrepo/internal/logger"
	"github.com/roach88/hashrepo/internal/session"
)

type sessionKey struct{}

// realm is announced on 401 responses.
const realm = `Basic realm="hashrepo"`

// WithSession stores sess in ctx.
func WithSession(ctx context.Context, sess session.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFrom returns the request session, anonymous when none was set.
func SessionFrom(ctx context.Context) session.Session {
	if sess, ok := ctx.Value(sessionKey{}).(session.Session); ok {
		return sess
	}
	return session.Anonymous()
}

// BasicAuthMiddleware resolves the request session from Basic credentials.
// Requests without credentials act as the anonymous session; bad
// credentials are rejected with 401.
func BasicAuthMiddleware(auth *session.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session.Anonymous())))
				return
			}

			username, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", realm)
				writeError(w, http.StatusUnauthorized, apperr.CodePermission, "authorization header must use Basic scheme")
				return
			}

			sess, err := auth.Authenticate(r.Context(), username, password)
			if err != nil {
				if apperr.IsPermission(err) {
					w.Header().Set("WWW-Authenticate", realm)
					writeError(w, http.StatusUnauthorized, apperr.CodePermission, "invalid credentials")
					return
				}
				logpkg.FromContext(r.Context()).Error("authenticate", zap.Error(err))
				handleError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}
