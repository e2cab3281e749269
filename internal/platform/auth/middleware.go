package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// TenantContextKey is the echo context key under which the authenticated
// token's tenant is handed to the tenant middleware.
const TenantContextKey = "jwt_tenant_id"

// Claims carried by access tokens issued to clinic users.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	RoleID   string `json:"role_id"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey selects HS256 verification instead of JWKS.
	SigningKey []byte
}

func (cfg JWTConfig) parser() (*jwt.Parser, jwt.Keyfunc) {
	var (
		method  = "RS256"
		keyFunc jwt.Keyfunc
	)
	if len(cfg.SigningKey) > 0 {
		method = "HS256"
		keyFunc = func(*jwt.Token) (any, error) { return cfg.SigningKey, nil }
	} else {
		keyFunc = NewKeySet(cfg.JWKSURL).Keyfunc
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{method}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return jwt.NewParser(opts...), keyFunc
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get(echo.HeaderAuthorization)
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", errors.New("invalid authorization format")
	}
	return strings.TrimSpace(token), nil
}

// JWTMiddleware authenticates bearer tokens and stores the caller's Identity
// on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	parser, keyFunc := cfg.parser()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, err := bearerToken(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			var claims Claims
			if _, err := parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			id, err := claims.identity()
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			c.Set(TenantContextKey, claims.TenantID)
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}

func (cl *Claims) identity() (Identity, error) {
	id := Identity{UserID: cl.Subject, Role: cl.Role}
	switch cl.Role {
	case RoleAdmin:
		return id, nil
	case RolePatient, RoleDoctor, RoleClinic:
		roleID, err := uuid.Parse(cl.RoleID)
		if err != nil || roleID == uuid.Nil {
			return Identity{}, errors.New("token role_id is not a valid id")
		}
		id.RoleID = roleID
		return id, nil
	default:
		return Identity{}, fmt.Errorf("token role %q is not recognised", cl.Role)
	}
}

// DevAuthMiddleware trusts X-User-ID, X-User-Role and X-Role-ID headers
// instead of a token. Requests without a role act as an admin. Local
// development only.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			claims := Claims{Role: h.Get("X-User-Role"), RoleID: h.Get("X-Role-ID")}
			claims.Subject = h.Get("X-User-ID")
			if claims.Role == "" {
				claims.Role = RoleAdmin
			}
			if claims.Subject == "" {
				claims.Subject = "dev-user"
			}

			id, err := claims.identity()
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}
