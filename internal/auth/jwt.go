package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"calltimer/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLoginDisabled      = errors.New("admin login is not configured")
)

type contextKey struct{}

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies admin tokens
type Authenticator struct {
	secret       []byte
	username     string
	passwordHash string
	ttl          time.Duration
}

// NewAuthenticator creates an authenticator from config. Without a JWT
// secret a random one is generated, so tokens do not survive a restart.
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
	}
	ttl := cfg.TokenTTL()
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		secret:       secret,
		username:     cfg.AdminUsername,
		passwordHash: cfg.AdminPasswordHash,
		ttl:          ttl,
	}, nil
}

// Login checks the admin credentials and returns a signed token
func (a *Authenticator) Login(username, password string) (string, error) {
	if a.passwordHash == "" {
		return "", ErrLoginDisabled
	}
	if username != a.username {
		return "", ErrInvalidCredentials
	}
	if err := VerifyPassword(a.passwordHash, password); err != nil {
		return "", ErrInvalidCredentials
	}
	return a.GenerateToken(username)
}

// GenerateToken creates a new JWT token
func (a *Authenticator) GenerateToken(username string) (string, error) {
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "calltimer",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ParseToken validates tokenStr and returns its claims
func (a *Authenticator) ParseToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// VerifyPassword checks hashed password
func VerifyPassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

// HashPassword hashes a password
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	return string(bytes), err
}

// Middleware verifies the JWT token
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
			return
		}

		claims, err := a.ParseToken(parts[1])
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserFromContext retrieves claims from context
func GetUserFromContext(ctx context.Context) (*Claims, error) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	if !ok {
		return nil, errors.New("no user in context")
	}
	return claims, nil
}
