package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rdsconnect/screen-server/internal/audit"
	apperrors "github.com/rdsconnect/screen-server/internal/errors"
	"github.com/rdsconnect/screen-server/internal/httputil"
	"github.com/rdsconnect/screen-server/internal/model"
	"github.com/rdsconnect/screen-server/internal/util"
)

type contextKey string

const AccountContextKey contextKey = "account"

func GetAccount(ctx context.Context) *model.Account {
	if account, ok := ctx.Value(AccountContextKey).(*model.Account); ok {
		return account
	}
	return nil
}

// WithAccount returns a copy of ctx carrying the authenticated account.
func WithAccount(ctx context.Context, account *model.Account) context.Context {
	return context.WithValue(ctx, AccountContextKey, account)
}

// TokenLookup finds the account owning an API token hash.
type TokenLookup interface {
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Account, error)
}

type AuthMiddleware struct {
	accounts TokenLookup
}

func NewAuthMiddleware(accounts TokenLookup) *AuthMiddleware {
	return &AuthMiddleware{accounts: accounts}
}

// Handler rejects requests without a valid API token.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return m.authenticate(next, true)
}

// Optional authenticates the request when it carries a token and lets it
// through anonymously otherwise. A token that does not resolve is still
// rejected.
func (m *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return m.authenticate(next, false)
}

func (m *AuthMiddleware) authenticate(next http.Handler, required bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			if !required {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		account, err := m.accounts.FindByTokenHash(r.Context(), util.HashToken(token))
		if err != nil {
			log.Error().Err(err).Msg("auth middleware: database error")
			httputil.WriteError(w, apperrors.Database(err))
			return
		}

		if account == nil {
			log.Warn().Msg("auth middleware: invalid token attempt")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
			httputil.WriteError(w, apperrors.InvalidToken("Invalid token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), account)))
	})
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
