package security

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrInvalidToken = errors.New("invalid authentication token")
)

// Principal identifies the caller of an admin or relay endpoint
type Principal struct {
	ID        string     `json:"id"`
	AuthType  string     `json:"auth_type"` // "api_key" or "jwt"
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Claims are the JWT claims accepted by the relay
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Config holds authentication configuration
type Config struct {
	APIKeys   []string      `yaml:"api_keys"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
	Issuer    string        `yaml:"issuer"`
}

// Required reports whether any credential is configured
func (c *Config) Required() bool {
	return len(c.APIKeys) > 0 || c.JWTSecret != ""
}

// Authenticator validates API keys and HS256 bearer tokens
type Authenticator struct {
	config *Config
	logger *logrus.Logger
	now    func() time.Time
}

func NewAuthenticator(config *Config, logger *logrus.Logger) *Authenticator {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "line-bot-connect"
	}

	return &Authenticator{
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Authenticate accepts either a configured API key or a valid JWT
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if p, err := a.ValidateAPIKey(ctx, token); err == nil {
		return p, nil
	}
	if a.config.JWTSecret == "" {
		return nil, ErrInvalidToken
	}

	claims, err := a.ValidateJWT(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	p := &Principal{ID: claims.Subject, AuthType: "jwt", Scopes: claims.Scopes}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		p.ExpiresAt = &exp
	}
	return p, nil
}

// ValidateAPIKey compares apiKey against every configured key in constant time
func (a *Authenticator) ValidateAPIKey(ctx context.Context, apiKey string) (*Principal, error) {
	if apiKey == "" {
		return nil, ErrMissingToken
	}

	matched := false
	for _, valid := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(valid)) == 1 {
			matched = true
		}
	}
	if !matched {
		return nil, ErrInvalidToken
	}

	return &Principal{
		ID:       "key_" + maskKey(apiKey),
		AuthType: "api_key",
		Scopes:   []string{"relay", "admin"},
	}, nil
}

// GenerateJWT issues a token for subject, used by operators to mint admin credentials
func (a *Authenticator) GenerateJWT(subject string, scopes []string) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := a.now()

	claims := &Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.config.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT parses tokenString and checks signature, expiry and issuer
func (a *Authenticator) ValidateJWT(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	},
		jwt.WithIssuer(a.config.Issuer),
		jwt.WithTimeFunc(a.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// Middleware rejects unauthenticated requests unless exempt(r) is true or no
// credentials are configured at all.
func (a *Authenticator) Middleware(exempt func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.config.Required() || (exempt != nil && exempt(r)) {
				next.ServeHTTP(w, r)
				return
			}

			p, err := a.Authenticate(r.Context(), extractToken(r))
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"path":      r.URL.Path,
					"method":    r.Method,
					"remote_ip": ClientIP(r),
				}).WithError(err).Warn("Authentication failed")

				writeError(w, http.StatusUnauthorized, "authentication_error", err.Error())
				return
			}

			a.logger.WithFields(logrus.Fields{
				"principal": p.ID,
				"auth_type": p.AuthType,
				"path":      r.URL.Path,
			}).Debug("Authentication successful")

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller attached by Middleware
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// ClientIP returns the first forwarded address, falling back to RemoteAddr
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i != -1 {
		ip = ip[:i]
	}
	return ip
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    status,
		},
		"timestamp": time.Now().Unix(),
	})
}
