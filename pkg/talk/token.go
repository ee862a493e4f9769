package talk

import (
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	TokenExpiry       = 10 * time.Minute
	APIKeyMinLength   = 32
	tokenRefreshAhead = time.Minute
)

func ValidateAPIKeyFormat(apiKey string) error {
	if len(apiKey) >= APIKeyMinLength && strings.HasPrefix(apiKey, "vdev_") {
		return nil
	}
	return NewTalkError("invalid API key format", ErrCodeTokenFailed)
}

// GenerateWSToken signs a short-lived HS256 token with the API key. The
// session id travels in the claims so the backend can correlate logs.
func GenerateWSToken(apiKey, sessionID string) (*WSToken, error) {
	if err := ValidateAPIKeyFormat(apiKey); err != nil {
		return nil, err
	}
	expiresAt := time.Now().Add(TokenExpiry)

	claims := jwt.MapClaims{
		"apiKey": apiKey[:8] + "...",
		"exp":    expiresAt.Unix(),
		"iat":    time.Now().Unix(),
	}
	if sessionID != "" {
		claims["sessionId"] = sessionID
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(apiKey))
	if err != nil {
		return nil, WrapError(err, ErrCodeTokenFailed, "sign token")
	}
	return &WSToken{Token: signed, ExpiresAt: expiresAt.UnixMilli()}, nil
}

// DecodeWSToken verifies token against the API key and returns its claims.
func DecodeWSToken(token, apiKey string) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, NewTalkError("unexpected signing method", ErrCodeTokenFailed)
		}
		return []byte(apiKey), nil
	})
	if err != nil {
		return nil, WrapError(err, ErrCodeTokenFailed, "decode token")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, NewTalkError("invalid token", ErrCodeTokenFailed)
	}
	return claims, nil
}

func IsTokenExpired(token *WSToken) bool {
	return time.Now().UnixMilli() > token.ExpiresAt
}

// TokenSource caches a handshake token and re-signs it shortly before it
// expires.
type TokenSource struct {
	apiKey    string
	sessionID string

	mu    sync.Mutex
	token *WSToken
}

func NewTokenSource(apiKey, sessionID string) *TokenSource {
	return &TokenSource{apiKey: apiKey, sessionID: sessionID}
}

// Token returns a valid token, generating a new one when needed.
func (ts *TokenSource) Token() (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != nil && time.Now().Add(tokenRefreshAhead).UnixMilli() < ts.token.ExpiresAt {
		return ts.token.Token, nil
	}
	tok, err := GenerateWSToken(ts.apiKey, ts.sessionID)
	if err != nil {
		return "", err
	}
	ts.token = tok
	return tok.Token, nil
}

// Clear drops the cached token.
func (ts *TokenSource) Clear() {
	ts.mu.Lock()
	ts.token = nil
	ts.mu.Unlock()
}
