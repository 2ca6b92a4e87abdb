package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/loantracker/internal/auth"
	"github.com/dukerupert/loantracker/internal/store"
)

const TokenCookieName = "token"

// TokenFromRequest returns the JWT carried by the token cookie, the token
// header, or an Authorization bearer header, in that order.
func TokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(TokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if tok := strings.TrimSpace(r.Header.Get("token")); tok != "" {
		return tok
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequireAuth verifies the request token, checks that its account still
// exists, and populates AuthContext. Any failure responds 401.
func RequireAuth(tokens *auth.Tokens, accounts *store.AccountStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := TokenFromRequest(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing token")
				return
			}

			username, err := tokens.Parse(raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			account, err := accounts.GetByUsername(username)
			if err != nil {
				logger.Error("auth lookup account", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if account == nil {
				writeError(w, http.StatusUnauthorized, "account no longer exists")
				return
			}

			ac := auth.AuthContext{
				AccountID: account.ID,
				Username:  account.Username,
				Token:     raw,
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
		})
	}
}
