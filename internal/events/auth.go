package events

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Auth defaults.
const (
	DefaultTokenTTL      = time.Hour
	DefaultRefreshMargin = 5 * time.Minute
	PermissionSend       = "send_transcripts"
)

// Claims is the payload of the bearer token presented to event consumers.
type Claims struct {
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// AuthOption configures an [Auth].
type AuthOption func(*Auth)

// WithTokenTTL sets the token lifetime. Defaults to [DefaultTokenTTL].
func WithTokenTTL(d time.Duration) AuthOption {
	return func(a *Auth) {
		if d > 0 {
			a.ttl = d
		}
	}
}

// WithRefreshMargin sets how long before expiry a cached token is replaced.
func WithRefreshMargin(d time.Duration) AuthOption {
	return func(a *Auth) {
		if d >= 0 {
			a.margin = d
		}
	}
}

// Auth issues HS256 bearer tokens for outbound connections and caches them
// until shortly before they expire. Safe for concurrent use.
type Auth struct {
	secret   []byte
	clientID string
	ttl      time.Duration
	margin   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewAuth creates an Auth signing with secret on behalf of clientID.
func NewAuth(secret, clientID string, opts ...AuthOption) (*Auth, error) {
	var errs []error
	if secret == "" {
		errs = append(errs, errors.New("events: auth secret is empty"))
	}
	if clientID == "" {
		errs = append(errs, errors.New("events: auth client id is empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	a := &Auth{
		secret:   []byte(secret),
		clientID: clientID,
		ttl:      DefaultTokenTTL,
		margin:   DefaultRefreshMargin,
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Token returns the cached token, or signs a new one when the cached token
// is missing or expires within the refresh margin.
func (a *Auth) Token() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.token != "" && now.Add(a.margin).Before(a.expires) {
		return a.token, nil
	}

	expires := now.Add(a.ttl)
	claims := Claims{
		ClientID:    a.clientID,
		Permissions: []string{PermissionSend},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("events: sign token: %w", err)
	}
	a.token, a.expires = token, expires
	return token, nil
}

// Header returns an Authorization header carrying a valid token.
func (a *Auth) Header() (http.Header, error) {
	token, err := a.Token()
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}
