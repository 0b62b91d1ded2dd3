package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/agenticwork/awchat/internal/storage"
	"github.com/agenticwork/awchat/pkg/models"
)

// Middleware authenticates every request before handlers run. Bearer
// tokens are accepted in Authorization; API keys in either X-API-Key
// or Authorization (they are self-identifying by prefix). Failures get
// a 401 JSON body so clients never see a half-open event stream.
func (s *Service) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			credential := bearerToken(r)
			fromHeader := false
			if credential == "" {
				credential = apiKeyHeader(r)
				fromHeader = true
			}
			if credential == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing credentials")
				return
			}

			if fromHeader || strings.HasPrefix(credential, UserKeyPrefix) {
				key, err := s.VerifyKey(ctx, credential)
				if err != nil {
					s.logger.Warn(ctx, "api key rejected", "error", err)
					writeJSONError(w, http.StatusUnauthorized, "invalid api key")
					return
				}
				user, err := s.userForKey(ctx, key)
				if err != nil {
					writeJSONError(w, http.StatusUnauthorized, "invalid api key")
					return
				}
				ctx = WithUser(WithAPIKey(ctx, key), user)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			user, err := s.ValidateToken(credential)
			if err != nil {
				s.logger.Warn(ctx, "bearer token rejected", "error", err)
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(ctx, user)))
		})
	}
}

// userForKey hydrates the key owner from the user directory. A missing
// owner means the key outlived its user and is refused; a directory
// error degrades to an id-only identity rather than failing the
// request.
func (s *Service) userForKey(ctx context.Context, key *APIKey) (*models.User, error) {
	if s.users == nil {
		return &models.User{ID: key.UserID}, nil
	}
	user, err := s.users.Get(ctx, key.UserID)
	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, storage.ErrNotFound):
		s.logger.Warn(ctx, "api key owner missing", "key_id", key.ID, "user_id", key.UserID)
		return nil, err
	default:
		s.logger.Warn(ctx, "user lookup failed, degrading to key identity",
			"key_id", key.ID, "user_id", key.UserID, "error", err)
		return &models.User{ID: key.UserID}, nil
	}
}

// RequireAdmin rejects callers without the admin flag. It assumes
// Middleware already ran.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok || !user.IsAdmin {
			writeJSONError(w, http.StatusForbidden, "admin required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func apiKeyHeader(r *http.Request) string {
	for _, name := range []string{"X-API-Key", "Api-Key"} {
		if value := strings.TrimSpace(r.Header.Get(name)); value != "" {
			return value
		}
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
