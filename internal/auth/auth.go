// Package auth issues and validates the JWTs protecting the HTTP surface.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Role constants. Approvers may decide requests; requesters may only
// submit them.
const (
	RoleAdmin     = "admin"
	RoleApprover  = "approver"
	RoleRequester = "requester"
)

// User is the authenticated identity carried through request handling.
type User struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

type Claims struct {
	User User `json:"user"`
	jwt.RegisteredClaims
}

// Credential is one login account.
type Credential struct {
	Username string
	Password string
	Roles    []string
}

type Config struct {
	Secret   string
	TokenTTL time.Duration
	Users    []Credential
}

// Manager signs and verifies tokens with an HS256 secret and owns the
// account directory used at login.
type Manager struct {
	secret []byte
	ttl    time.Duration
	users  []Credential
}

func NewManager(cfg Config) *Manager {
	secret := cfg.Secret
	if secret == "" {
		b := make([]byte, 32)
		rand.Read(b)
		secret = base64.StdEncoding.EncodeToString(b)
		log.Warn().Msg("using generated JWT secret; set auth.secret for production")
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Manager{secret: []byte(secret), ttl: ttl, users: cfg.Users}
}

var ErrInvalidCredentials = fmt.Errorf("invalid credentials")

// Authenticate checks the username and password against the configured
// accounts. When none are configured it falls back to the AUTH_USERS env
// var (USERNAME:PASSWORD:ROLES entries, semicolon-separated, roles
// comma-separated) and finally to a dev-only admin:admin account.
func (m *Manager) Authenticate(username, password string) (*User, error) {
	users := m.users
	if len(users) == 0 {
		users = envCredentials()
	}
	if len(users) == 0 {
		log.Warn().Msg("no accounts configured; dev-only admin:admin fallback is active")
		users = []Credential{{Username: "admin", Password: "admin", Roles: []string{RoleAdmin}}}
	}

	for _, cred := range users {
		if subtle.ConstantTimeCompare([]byte(username), []byte(cred.Username)) == 1 &&
			subtle.ConstantTimeCompare([]byte(password), []byte(cred.Password)) == 1 {
			return &User{ID: cred.Username, Username: cred.Username, Roles: cred.Roles}, nil
		}
	}
	return nil, ErrInvalidCredentials
}

func envCredentials() []Credential {
	raw := os.Getenv("AUTH_USERS")
	if raw == "" {
		return nil
	}

	var creds []Credential
	for _, entry := range strings.Split(raw, ";") {
		parts := strings.Split(entry, ":")
		if len(parts) < 3 {
			continue
		}
		creds = append(creds, Credential{
			Username: parts[0],
			Password: parts[1],
			Roles:    strings.Split(parts[2], ","),
		})
	}
	return creds
}

func (m *Manager) GenerateToken(user User) (string, error) {
	now := time.Now()
	claims := &Claims{
		User: user,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "hitl-gate",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *Manager) ValidateToken(tokenString string) (*User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return &claims.User, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// Middleware authenticates every request except the public endpoints.
func (m *Manager) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Path()
			if path == "/health" || path == "/login" {
				return next(c)
			}

			token := bearerToken(c)
			if token == "" {
				return c.JSON(401, map[string]string{"error": "missing authorization"})
			}

			user, err := m.ValidateToken(token)
			if err != nil {
				return c.JSON(401, map[string]string{"error": fmt.Sprintf("invalid token: %v", err)})
			}

			c.Set("user", user)
			return next(c)
		}
	}
}

// RequireRole gates a route on a role. Admins pass every check.
func (m *Manager) RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := UserFromContext(c)
			if user == nil {
				return c.JSON(401, map[string]string{"error": "authentication required"})
			}
			if !user.HasRole(role) {
				return c.JSON(403, map[string]string{"error": fmt.Sprintf("role %q required", role)})
			}
			return next(c)
		}
	}
}

func UserFromContext(c echo.Context) *User {
	if user, ok := c.Get("user").(*User); ok {
		return user
	}
	return nil
}

// bearerToken extracts the token from the Authorization header, or from
// the token query parameter for websocket upgrades where headers cannot
// be set by browsers.
func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get("Authorization")
	if header != "" {
		parts := strings.Split(header, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.QueryParam("token")
}
