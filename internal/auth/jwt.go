package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const CtxReplicaID ctxKey = "replica"

// DebugReplicaHeader names the replica directly when DevMode is on
const DebugReplicaHeader = "X-Debug-Replica"

// ErrMissingSecret is returned when a token is issued without a secret
var ErrMissingSecret = errors.New("jwt secret is required")

// JWTCfg holds JWT authentication configuration
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens
	DevMode     bool   // Allow X-Debug-Replica header (DANGEROUS: only for local dev)
}

// Middleware authenticates the calling replica. The token subject is the
// replica id; in DevMode a request without a token may name itself with
// X-Debug-Replica instead.
func Middleware(cfg JWTCfg) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Replica header will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}

			sub := ""
			if cfg.DevMode && tok == "" {
				sub = r.Header.Get(DebugReplicaHeader)
				if sub != "" {
					log.Ctx(r.Context()).Debug().Str("replica", sub).Msg("using X-Debug-Replica header (dev mode)")
				}
			}

			if tok != "" {
				s, err := validate(tok, cfg.HS256Secret)
				if err != nil {
					log.Ctx(r.Context()).Warn().Err(err).Msg("jwt validation failed")
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				sub = s
			}

			if sub == "" {
				log.Ctx(r.Context()).Warn().Msg("missing replica (no JWT sub or X-Debug-Replica header)")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), CtxReplicaID, sub)
			logger := log.Ctx(ctx).With().Str("replica", sub).Logger()
			next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
		})
	}
}

func validate(tok, secret string) (string, error) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !t.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", err
	}
	return sub, nil
}

// IssueToken signs an HS256 token for a replica. A zero ttl issues a token
// without expiry.
func IssueToken(secret, replicaID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  replicaID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ReplicaID extracts the authenticated replica from request context
// Returns empty string if not authenticated (should never happen after middleware)
func ReplicaID(ctx context.Context) string {
	if v := ctx.Value(CtxReplicaID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
