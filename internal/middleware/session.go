package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/appframe/internal/session"
	appErrors "github.com/noah-isme/appframe/pkg/errors"
	"github.com/noah-isme/appframe/pkg/response"
)

// SessionClaims carries the acting identity inside an access token.
type SessionClaims struct {
	TenantID             *int64 `json:"tenant_id,omitempty"`
	UserID               *int64 `json:"user_id,omitempty"`
	ImpersonatorTenantID *int64 `json:"impersonator_tenant_id,omitempty"`
	ImpersonatorUserID   *int64 `json:"impersonator_user_id,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts the claims into a session identity.
func (c *SessionClaims) Identity() session.Identity {
	return session.Identity{
		TenantID:             c.TenantID,
		UserID:               c.UserID,
		ImpersonatorTenantID: c.ImpersonatorTenantID,
		ImpersonatorUserID:   c.ImpersonatorUserID,
	}
}

// SignIdentity issues an HS256 token for the identity.
func SignIdentity(secret string, id session.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		TenantID:             id.TenantID,
		UserID:               id.UserID,
		ImpersonatorTenantID: id.ImpersonatorTenantID,
		ImpersonatorUserID:   id.ImpersonatorUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseIdentity validates token and returns its identity.
func ParseIdentity(secret, token string) (session.Identity, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return []byte(secret), nil
	})
	if err != nil {
		return session.Identity{}, err
	}
	if !parsed.Valid {
		return session.Identity{}, errors.New("token is not valid")
	}
	return claims.Identity(), nil
}

// Session binds the bearer token identity onto the request context. Requests
// without a token run anonymously unless required is set.
func Session(secret string, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			if required {
				response.Abort(c, appErrors.ErrUnauthorized)
				return
			}
			c.Next()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Abort(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			return
		}

		id, err := ParseIdentity(secret, parts[1])
		if err != nil {
			response.Abort(c, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token"))
			return
		}

		c.Request = c.Request.WithContext(session.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}
