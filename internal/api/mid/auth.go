package mid

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ahrav/scan-armada/internal/api/errs"
	"github.com/ahrav/scan-armada/pkg/web"
)

// accessTokenParam carries the bearer token for websocket clients, which
// cannot set headers during the upgrade.
const accessTokenParam = "access_token"

// Claims identifies the caller of a user-facing route.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

type claimsKey struct{}

func setClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// GetClaims returns the claims stored by Authenticate.
func GetClaims(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}

// Authenticate validates an HS256 bearer token and stores its claims. Tokens
// must name a subject and a tenant.
func Authenticate(secret string) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				token = r.URL.Query().Get(accessTokenParam)
			}
			if token == "" {
				return errs.Newf(errs.Unauthenticated, "authentication required")
			}

			claims, err := ParseToken(token, secret)
			if err != nil {
				return errs.Newf(errs.Unauthenticated, "invalid credentials")
			}

			return next(setClaims(ctx, claims), r)
		}

		return h
	}

	return m
}

// ParseToken validates token against secret and returns its claims.
func ParseToken(token, secret string) (Claims, error) {
	if strings.TrimSpace(secret) == "" {
		return Claims{}, errors.New("jwt secret not configured")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	var claims Claims
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return Claims{}, errors.New("subject and tenant_id claims required")
	}
	return claims, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// InternalToken guards the routes workers call with a shared secret.
func InternalToken(header, token string) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			got := r.Header.Get(header)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return errs.Newf(errs.Unauthenticated, "invalid internal token")
			}
			return next(ctx, r)
		}

		return h
	}

	return m
}
