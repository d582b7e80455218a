package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

type contextKey string

const IdentityKey contextKey = "identity"

const RoleAdmin = "admin"

// Identity is the caller resolved from a bearer token.
type Identity struct {
	UserID uuid.UUID
	Role   string
}

func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// ParseToken validates an HMAC-signed JWT and returns its identity.
func ParseToken(secret []byte, tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return nil, errors.New("invalid token subject")
	}

	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, errors.New("invalid user ID in token")
	}

	role, _ := claims["role"].(string)
	return &Identity{UserID: userID, Role: role}, nil
}

// OptionalIdentity resolves a bearer token when one is present. Requests
// without a valid token continue anonymously.
func OptionalIdentity(secret []byte, logger logrus.FieldLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(secret) == 0 {
				return next(c)
			}
			authHeader := c.Request().Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				return next(c)
			}

			identity, err := ParseToken(secret, parts[1])
			if err != nil {
				logger.WithError(err).Debug("ignoring bearer token")
				return next(c)
			}
			c.Set(string(IdentityKey), identity)
			return next(c)
		}
	}
}

// IdentityFromContext returns the identity set by OptionalIdentity.
func IdentityFromContext(c echo.Context) (*Identity, bool) {
	id, ok := c.Get(string(IdentityKey)).(*Identity)
	return id, ok && id != nil
}
