package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/atomize-dev/atomize/config"
)

// auth implements the single-operator token flow: a POST with the operator
// password checked against the configured bcrypt hash yields a signed JWT.
type auth struct {
	secret   []byte
	passHash []byte
	tokenTTL time.Duration
}

func newAuth(cfg config.ServerConfig) (*auth, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("server.jwt_secret not configured")
	}
	if strings.TrimSpace(cfg.OperatorPassHash) == "" {
		return nil, errors.New("server.operator_pass_hash not configured")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &auth{secret: []byte(cfg.JWTSecret), passHash: []byte(cfg.OperatorPassHash), tokenTTL: ttl}, nil
}

type tokenRequest struct {
	Password string `json:"password"`
}

// issueToken handles POST /api/auth/token.
func (a *auth) issueToken(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := bcrypt.CompareHashAndPassword(a.passHash, []byte(req.Password)); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(a.tokenTTL).Unix(),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "token signing failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"token": signed})
}

// authMiddleware validates bearer tokens on protected routes.
func authMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := bearerToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return secret, nil
			})
			if err != nil || !parsed.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims, ok := parsed.Claims.(jwt.MapClaims); ok {
				if sub, ok := claims["sub"].(string); ok {
					c.Set("subject", sub)
				}
			}
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}
